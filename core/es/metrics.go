package es

import "github.com/evertide/evertide-go/core/metrics"

// ESMetrics defines the metrics interface for the event sourcing pillar.
// Implementations must be safe for concurrent use.
type ESMetrics interface {
	// Repository
	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)
	VersionConflict(aggType string)

	// Snapshots
	SnapshotHit(aggType string)
	SnapshotMiss(aggType string)
	SnapshotSaveDuration(aggType string) metrics.Timer

	// Runners
	RunnerEventDuration(group string) metrics.Timer
	RunnerEventProcessed(group string, success bool)
	RunnerRetry(group string)
	RunnerDeadLettered(group string)
	CheckpointFlush(group string, batch int)
}

// nopESMetrics is a no-op implementation of ESMetrics.
type nopESMetrics struct{}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)            {}
func (nopESMetrics) VersionConflict(string)                {}

func (nopESMetrics) SnapshotHit(string)                        {}
func (nopESMetrics) SnapshotMiss(string)                       {}
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

func (nopESMetrics) RunnerEventDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RunnerEventProcessed(string, bool)        {}
func (nopESMetrics) RunnerRetry(string)                       {}
func (nopESMetrics) RunnerDeadLettered(string)                {}
func (nopESMetrics) CheckpointFlush(string, int)              {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics implementation for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }
