package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/evertide/evertide-go/core/es"
	"github.com/evertide/evertide-go/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Repository metrics
	repoLoadDuration *prometheus.HistogramVec
	repoSaveDuration *prometheus.HistogramVec
	eventsAppended   *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec

	// Snapshot metrics
	snapshotHits         *prometheus.CounterVec
	snapshotMisses       *prometheus.CounterVec
	snapshotSaveDuration *prometheus.HistogramVec

	// Runner metrics
	runnerEventDuration *prometheus.HistogramVec
	runnerEvents        *prometheus.CounterVec
	runnerRetries       *prometheus.CounterVec
	runnerDeadLettered  *prometheus.CounterVec
	checkpointFlushes   *prometheus.CounterVec
	checkpointBatchSize *prometheus.HistogramVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		repoLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evertide_es_repo_load_duration_seconds",
			Help:    "Repository load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		repoSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evertide_es_repo_save_duration_seconds",
			Help:    "Repository save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_version_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		snapshotHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_snapshot_hits_total",
			Help: "Total number of snapshot cache hits",
		}, []string{"aggregate_type"}),

		snapshotMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_snapshot_misses_total",
			Help: "Total number of snapshot cache misses",
		}, []string{"aggregate_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evertide_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		runnerEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evertide_es_runner_event_duration_seconds",
			Help:    "Event processing time in seconds",
			Buckets: defaultBuckets,
		}, []string{"group"}),

		runnerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_runner_events_total",
			Help: "Total number of events processed by runners",
		}, []string{"group", "success"}),

		runnerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_runner_retries_total",
			Help: "Total number of event processing retries",
		}, []string{"group"}),

		runnerDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_runner_dead_lettered_total",
			Help: "Total number of events parked or dead-lettered",
		}, []string{"group"}),

		checkpointFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evertide_es_checkpoint_flushes_total",
			Help: "Total number of checkpoint flushes",
		}, []string{"group"}),

		checkpointBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evertide_es_checkpoint_batch_size",
			Help:    "Events covered per checkpoint flush",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"group"}),
	}

	reg.MustRegister(
		m.repoLoadDuration,
		m.repoSaveDuration,
		m.eventsAppended,
		m.versionConflicts,
		m.snapshotHits,
		m.snapshotMisses,
		m.snapshotSaveDuration,
		m.runnerEventDuration,
		m.runnerEvents,
		m.runnerRetries,
		m.runnerDeadLettered,
		m.checkpointFlushes,
		m.checkpointBatchSize,
	)

	return m
}

func (m *esMetrics) RepoLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RepoSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.repoSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) VersionConflict(aggType string) {
	m.versionConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotHit(aggType string) {
	m.snapshotHits.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotMiss(aggType string) {
	m.snapshotMisses.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RunnerEventDuration(group string) metrics.Timer {
	return newTimer(m.runnerEventDuration.WithLabelValues(group))
}

func (m *esMetrics) RunnerEventProcessed(group string, success bool) {
	m.runnerEvents.WithLabelValues(group, strconv.FormatBool(success)).Inc()
}

func (m *esMetrics) RunnerRetry(group string) {
	m.runnerRetries.WithLabelValues(group).Inc()
}

func (m *esMetrics) RunnerDeadLettered(group string) {
	m.runnerDeadLettered.WithLabelValues(group).Inc()
}

func (m *esMetrics) CheckpointFlush(group string, batch int) {
	m.checkpointFlushes.WithLabelValues(group).Inc()
	m.checkpointBatchSize.WithLabelValues(group).Observe(float64(batch))
}

var _ es.ESMetrics = (*esMetrics)(nil)
