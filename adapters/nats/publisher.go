package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/evertide/evertide-go/core/outbox"
)

const defaultOutboxPrefix = "evertide.outbox"

type PublisherConfig struct {
	// Connect is used to create the underlying NATS connection. If nil,
	// ConnectDefault() is used.
	Connect       Connector
	Log           *slog.Logger
	StreamName    string
	SubjectPrefix string
}

// Publisher delivers outbox records to a JetStream stream, one subject per
// event type. The record's event id doubles as the JetStream message id, so
// redelivered records are deduplicated inside the server's dedupe window.
type Publisher struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	log           *slog.Logger
	subjectPrefix string
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "EVERTIDE_OUTBOX"
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultOutboxPrefix
	}

	ensureCtx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ensureCtx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
	}); err != nil {
		closeNatsCon()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &Publisher{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		log:           log.With(slog.String("publisher", "nats_js"), slog.String("stream", streamName)),
		subjectPrefix: subjectPrefix,
	}, nil
}

func (p *Publisher) Close() error {
	p.js.CleanupPublisher()
	p.closeNc()
	return nil
}

func (p *Publisher) Publish(ctx context.Context, rec *outbox.Record) error {
	msg := natsgo.NewMsg(p.subjectPrefix + "." + rec.Type)
	msg.Data = rec.Payload
	msg.Header.Set("x-event-id", rec.EventID)
	for k, v := range rec.Metadata {
		msg.Header.Set("x-meta-"+k, v)
	}

	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(rec.EventID)); err != nil {
		return fmt.Errorf("publish %s: %w", rec.EventID, err)
	}
	p.log.Debug("published", rec.SlogAttr())
	return nil
}

var _ outbox.Publisher = (*Publisher)(nil)
