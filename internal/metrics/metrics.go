package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	HandlerLatency    *prometheus.HistogramVec
	InflightHandlers  prometheus.Gauge
	LockRenewals      *prometheus.CounterVec
	TransportErrors   prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
}

// New registers all instruments with the given registerer. A custom
// registry keeps tests isolated from prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_messages_total",
			Help: "Queue messages settled, by outcome classification.",
		}, []string{"classification"}),

		HandlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_handler_seconds",
			Help:    "Time from receive to settlement of one queue message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"classification"}),

		InflightHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notification_inflight_handlers",
			Help: "Message handlers currently executing.",
		}),

		LockRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_lock_renewals_total",
			Help: "Message lock renewal attempts, by result.",
		}, []string{"result"}),

		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_transport_errors_total",
			Help: "Broker connection and transport faults reported to the error sink.",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notification_queue_depth",
			Help: "Messages in the in-process queue, by state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.MessagesProcessed,
		m.HandlerLatency,
		m.InflightHandlers,
		m.LockRenewals,
		m.TransportErrors,
		m.QueueDepth,
	)

	return m
}

// ConsumerHooks returns the callbacks expected by worker.MetricHooks, so the
// worker package stays free of prometheus imports.
func (m *Metrics) ConsumerHooks() (
	onSettled func(classification string, elapsed time.Duration),
	onInflight func(delta int),
	onLockRenewal func(result string),
) {
	onSettled = func(classification string, elapsed time.Duration) {
		m.MessagesProcessed.WithLabelValues(classification).Inc()
		m.HandlerLatency.WithLabelValues(classification).Observe(elapsed.Seconds())
	}
	onInflight = func(delta int) {
		m.InflightHandlers.Add(float64(delta))
	}
	onLockRenewal = func(result string) {
		m.LockRenewals.WithLabelValues(result).Inc()
	}
	return
}

// ObserveQueueDepth records a snapshot of the in-process queue.
func (m *Metrics) ObserveQueueDepth(ready, locked int) {
	m.QueueDepth.WithLabelValues("ready").Set(float64(ready))
	m.QueueDepth.WithLabelValues("locked").Set(float64(locked))
}
