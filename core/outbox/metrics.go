package outbox

// Metrics receives outbox throughput counters. Implementations must be safe
// for concurrent use.
type Metrics interface {
	Added(n int)
	Deduplicated(n int)
	Claimed(n int)
	Published(n int)
	Failed(n int)
	DeadLettered(n int)
	Retried(n int)
	Recovered(n int)
	Cleaned(n int)
}

type nopMetrics struct{}

func (nopMetrics) Added(int)        {}
func (nopMetrics) Deduplicated(int) {}
func (nopMetrics) Claimed(int)      {}
func (nopMetrics) Published(int)    {}
func (nopMetrics) Failed(int)       {}
func (nopMetrics) DeadLettered(int) {}
func (nopMetrics) Retried(int)      {}
func (nopMetrics) Recovered(int)    {}
func (nopMetrics) Cleaned(int)      {}

// NopMetrics returns a Metrics that drops everything.
func NopMetrics() Metrics { return nopMetrics{} }
