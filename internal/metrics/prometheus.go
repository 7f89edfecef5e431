package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
//
// Collectors are created and registered lazily on first use so that building
// one is free for binaries that never record anything.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	transient     *prometheus.CounterVec
	notifyFailed  *prometheus.CounterVec
	expiredSwept  prometheus.Counter
	eventsDropped prometheus.Counter
}

// Compile-time assertion that PrometheusCollector implements Collector.
var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed collector.
//
// Parameters:
//   - reg: registerer (prometheus.DefaultRegisterer when nil)
//   - namespace: metrics namespace ("spotd" when empty)
//
// Returns:
//   - *PrometheusCollector: collector ready for use
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "spotd"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "arbiter",
			Name:      "operations_total",
			Help:      "Engine operations by op and outcome (ok, rejection reason, error).",
		}, []string{"op", "outcome"})

		p.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "arbiter",
			Name:      "operation_duration_seconds",
			Help:      "Time spent inside engine operations, including the store transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"op"})

		p.transient = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "transient_failures_total",
			Help:      "Storage failures surfaced as retryable, by op.",
		}, []string{"op"})

		p.notifyFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Change events the notifier failed to deliver, by event kind.",
		}, []string{"kind"})

		p.expiredSwept = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "arbiter",
			Name:      "expired_swept_total",
			Help:      "Leases retired by the expiry sweep.",
		})

		p.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "notify",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		})

		p.reg.MustRegister(
			p.operations,
			p.latency,
			p.transient,
			p.notifyFailed,
			p.expiredSwept,
			p.eventsDropped,
		)
	})
}

func (p *PrometheusCollector) RecordOperation(op, outcome string, seconds float64) {
	p.ensureRegistered()
	p.operations.WithLabelValues(op, outcome).Inc()
	p.latency.WithLabelValues(op).Observe(seconds)
}

func (p *PrometheusCollector) RecordTransientFailure(op string) {
	p.ensureRegistered()
	p.transient.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) RecordNotifyFailure(kind string) {
	p.ensureRegistered()
	p.notifyFailed.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordExpiredSwept(count int) {
	p.ensureRegistered()
	p.expiredSwept.Add(float64(count))
}

func (p *PrometheusCollector) RecordEventDropped() {
	p.ensureRegistered()
	p.eventsDropped.Inc()
}
