package es

import (
	"log/slog"
	"time"

	"github.com/evertide/evertide-go/core/cache"
)

// WarnThrottle rate-limits repeated warnings sharing a key, so a stuck event
// in a hot loop does not flood the log. It is bounded (LRU over the keys)
// and injected where needed; construct one per process.
type WarnThrottle struct {
	log      *slog.Logger
	keys     cache.Cache
	interval time.Duration
}

type WarnThrottleOpts struct {
	// Size bounds the number of tracked keys. Default 1024.
	Size int
	// Interval is the minimum time between two warnings with the same key.
	// Default 1 minute.
	Interval time.Duration
}

func NewWarnThrottle(log *slog.Logger, opts WarnThrottleOpts) *WarnThrottle {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &WarnThrottle{
		log:      log,
		keys:     cache.NewLRU(cache.LRUOpts{Size: opts.Size}),
		interval: opts.Interval,
	}
}

// Warn logs msg unless a warning with the same key was logged within the
// interval.
func (w *WarnThrottle) Warn(key, msg string, attrs ...any) {
	if _, throttled := w.keys.Get(key); throttled {
		return
	}
	w.keys.Put(key, struct{}{}, cache.WithTTL(w.interval))
	w.log.Warn(msg, attrs...)
}

// Close releases the key cache.
func (w *WarnThrottle) Close() {
	if lru, ok := w.keys.(*cache.LRU); ok {
		lru.Close()
	}
}
