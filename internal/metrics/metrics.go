// Package metrics records operational metrics for the arbitration engine,
// the change notifier and the HTTP surface.
package metrics

// Collector defines methods for recording operational metrics.
//
// Implementations must be non-blocking and safe for concurrent use.
type Collector interface {
	// RecordOperation records one engine call.
	//
	// Parameters:
	//   - op: acquire, release, enqueue, dequeue, check_promotion
	//   - outcome: "ok", a lower-case rejection reason, or "error"
	//   - seconds: time spent inside the engine
	RecordOperation(op, outcome string, seconds float64)

	// RecordTransientFailure records a storage failure safe for the caller to retry.
	RecordTransientFailure(op string)

	// RecordNotifyFailure records an event the notifier could not deliver.
	RecordNotifyFailure(kind string)

	// RecordExpiredSwept records leases retired by the expiry sweep.
	RecordExpiredSwept(count int)

	// RecordEventDropped records an event dropped for a slow subscriber.
	RecordEventDropped()
}

// NopMetrics discards everything.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements Collector.
var _ Collector = (*NopMetrics)(nil)

func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) RecordOperation(_, _ string, _ float64) {}
func (n *NopMetrics) RecordTransientFailure(_ string)        {}
func (n *NopMetrics) RecordNotifyFailure(_ string)           {}
func (n *NopMetrics) RecordExpiredSwept(_ int)               {}
func (n *NopMetrics) RecordEventDropped()                    {}
