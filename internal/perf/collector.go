package perf

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives investigation lifecycle and external-call
// telemetry. Calls are fire-and-forget: implementations must never
// block or panic the scheduling path, and failures are logged by the
// caller, never propagated.
type MetricsCollector interface {
	RecordInvestigationStart(ctx context.Context, id, tenantID string)
	RecordInvestigationComplete(ctx context.Context, id, tenantID string, duration time.Duration, outcome string)
	RecordAgentPerformance(ctx context.Context, agent string, duration time.Duration, success bool)
	RecordAPICall(ctx context.Context, target string, duration time.Duration, err error)
}

// NopCollector discards all telemetry.
type NopCollector struct{}

func (NopCollector) RecordInvestigationStart(context.Context, string, string) {}
func (NopCollector) RecordInvestigationComplete(context.Context, string, string, time.Duration, string) {
}
func (NopCollector) RecordAgentPerformance(context.Context, string, time.Duration, bool) {}
func (NopCollector) RecordAPICall(context.Context, string, time.Duration, error)         {}

// PromCollector implements MetricsCollector on a Prometheus registry.
type PromCollector struct {
	starts        *prometheus.CounterVec
	completions   *prometheus.CounterVec
	investigation *prometheus.HistogramVec
	agentDuration *prometheus.HistogramVec
	apiCalls      *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
}

// NewPromCollector registers and returns a Prometheus-backed collector.
func NewPromCollector(reg prometheus.Registerer) *PromCollector {
	c := &PromCollector{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_investigations_started_total",
			Help: "Investigations admitted to the queue.",
		}, []string{"tenant"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_investigations_finished_total",
			Help: "Investigations finished by outcome.",
		}, []string{"tenant", "outcome"}),
		investigation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_investigation_duration_seconds",
			Help:    "End-to-end investigation duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}, []string{"outcome"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_agent_duration_seconds",
			Help:    "Duration of individual agent steps.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"agent", "status"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_api_calls_total",
			Help: "External API calls by target and status.",
		}, []string{"target", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_api_call_duration_seconds",
			Help:    "Duration of external API calls.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.starts,
		c.completions,
		c.investigation,
		c.agentDuration,
		c.apiCalls,
		c.apiDuration,
	)
	return c
}

func (c *PromCollector) RecordInvestigationStart(_ context.Context, _, tenantID string) {
	c.starts.WithLabelValues(tenantID).Inc()
}

func (c *PromCollector) RecordInvestigationComplete(_ context.Context, _, tenantID string, duration time.Duration, outcome string) {
	c.completions.WithLabelValues(tenantID, outcome).Inc()
	c.investigation.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *PromCollector) RecordAgentPerformance(_ context.Context, agent string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.agentDuration.WithLabelValues(agent, status).Observe(duration.Seconds())
}

func (c *PromCollector) RecordAPICall(_ context.Context, target string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.apiCalls.WithLabelValues(target, status).Inc()
	c.apiDuration.WithLabelValues(target).Observe(duration.Seconds())
}
