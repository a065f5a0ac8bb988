package sched

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the scheduler.
type Metrics struct {
	QueueDepth       *prometheus.GaugeVec
	Processing       prometheus.Gauge
	TenantProcessing *prometheus.GaugeVec
	Admissions       *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec
	WaitSeconds      prometheus.Histogram
	PersistErrors    prometheus.Counter
}

// NewMetrics registers and returns scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_sched_queue_depth",
			Help: "Queued investigations by priority bucket.",
		}, []string{"priority"}),
		Processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sched_processing",
			Help: "Investigations currently holding a processing slot.",
		}),
		TenantProcessing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_sched_tenant_processing",
			Help: "Processing investigations per tenant.",
		}, []string{"tenant"}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sched_admissions_total",
			Help: "Enqueue attempts by result.",
		}, []string{"result"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sched_outcomes_total",
			Help: "Investigation lifecycle outcomes.",
		}, []string{"outcome"}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_sched_wait_seconds",
			Help:    "Queue wait before a processing slot was granted.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s .. ~1024s
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sched_persist_errors_total",
			Help: "Write-through store failures (logged, never blocking).",
		}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.Processing,
		m.TenantProcessing,
		m.Admissions,
		m.Outcomes,
		m.WaitSeconds,
		m.PersistErrors,
	)

	return m
}

func priorityLabel(p int) string {
	return strconv.Itoa(p)
}
