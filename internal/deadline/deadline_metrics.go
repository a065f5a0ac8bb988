package deadline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the deadline tracker.
type Metrics struct {
	Active   prometheus.Gauge
	Fired    prometheus.Counter
	Warned   prometheus.Counter
	Canceled prometheus.Counter
	Extended prometheus.Counter
}

// NewMetrics registers and returns tracker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_deadline_active",
			Help: "Live timeout registrations.",
		}),
		Fired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_deadline_fired_total",
			Help: "Hard timeouts fired.",
		}),
		Warned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_deadline_warned_total",
			Help: "Deadline warnings fired.",
		}),
		Canceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_deadline_canceled_total",
			Help: "Registrations canceled before firing.",
		}),
		Extended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_deadline_extended_total",
			Help: "Deadline extensions granted.",
		}),
	}

	reg.MustRegister(m.Active, m.Fired, m.Warned, m.Canceled, m.Extended)
	return m
}
