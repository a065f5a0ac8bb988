package intelcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the threat-intel cache.
type Metrics struct {
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	Evictions   prometheus.Counter
	Refreshes   prometheus.Counter
	StaleServes prometheus.Counter
	FetchErrors prometheus.Counter
	WarmedKeys  prometheus.Counter

	reg prometheus.Registerer
}

// NewMetrics registers and returns cache metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_intelcache_hits_total",
			Help: "Cache hits across both tiers.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_intelcache_misses_total",
			Help: "Cache misses that reached the upstream fetch.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_intelcache_evictions_total",
			Help: "Memory-tier entries evicted under capacity pressure.",
		}),
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_intelcache_refreshes_total",
			Help: "Successful upstream fetches written through both tiers.",
		}),
		StaleServes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_intelcache_stale_serves_total",
			Help: "Degraded responses served from a stale copy after a fetch failure.",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_intelcache_fetch_errors_total",
			Help: "Upstream fetch failures.",
		}),
		WarmedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_intelcache_warmed_keys_total",
			Help: "Keys populated by batch warm-up.",
		}),
		reg: reg,
	}

	reg.MustRegister(
		m.Hits,
		m.Misses,
		m.Evictions,
		m.Refreshes,
		m.StaleServes,
		m.FetchErrors,
		m.WarmedKeys,
	)

	return m
}

// setEntriesFunc registers a gauge tracking the memory-tier size. Called
// once by the cache constructor, after the LRU exists.
func (m *Metrics) setEntriesFunc(f func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "warden_intelcache_memory_entries",
		Help: "Entries currently resident in the memory tier.",
	}, f))
}
