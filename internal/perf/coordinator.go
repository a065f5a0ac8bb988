// Package perf composes the scheduler, the threat-intel cache, and the
// deadline tracker into the performance coordination layer the
// investigation orchestrator talks to. It owns lifecycle fan-out,
// the periodic self health-check, and operator-triggered maintenance.
package perf

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/deadline"
	"github.com/linnemanlabs/warden/internal/intelcache"
	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/linnemanlabs/warden/internal/sched"
)

// ErrTimeout marks an investigation failed because its deadline passed.
// Routed through the same retryable/terminal path as any other failure.
var ErrTimeout = errors.New("investigation deadline exceeded")

// Defaults for Config fields left zero.
const (
	DefaultInvestigationTimeout = 30 * time.Minute
	DefaultHealthInterval       = 60 * time.Second
)

// Config carries coordinator tunables.
type Config struct {
	// DefaultTimeout bounds investigations whose spec carries none.
	DefaultTimeout time.Duration

	// HealthInterval is the period of the self health-check loop.
	HealthInterval time.Duration

	Thresholds Thresholds
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultInvestigationTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// StartReceipt answers a StartInvestigation call.
type StartReceipt struct {
	ID                string        `json:"id"`
	QueuePosition     int           `json:"queue_position"`
	EstimatedWait     time.Duration `json:"estimated_wait"`
	TimeoutRegistered bool          `json:"timeout_registered"`
	MetricsEnabled    bool          `json:"metrics_enabled"`
}

// IntelOptions extends cache options with the investigation doing the
// lookup, for resource-usage accounting.
type IntelOptions struct {
	intelcache.Options
	InvestigationID string
}

// PerformanceStatus is the operator-facing composite view.
type PerformanceStatus struct {
	Health   *HealthReport    `json:"health,omitempty"`
	Queue    *sched.Stats     `json:"queue"`
	Cache    intelcache.Stats `json:"cache"`
	Timeouts deadline.Stats   `json:"timeouts"`
}

// Coordinator wires the three performance subsystems together.
type Coordinator struct {
	cfg       Config
	sched     *sched.Scheduler
	cache     *intelcache.Cache
	tracker   *deadline.Tracker
	collector MetricsCollector
	logger    log.Logger

	mu         sync.Mutex
	lastHealth *HealthReport
}

// New creates a Coordinator. All components are required; pass a
// NopCollector when no external metrics sink exists.
func New(cfg Config, s *sched.Scheduler, c *intelcache.Cache, t *deadline.Tracker, col MetricsCollector, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	if col == nil {
		col = NopCollector{}
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		sched:     s,
		cache:     c,
		tracker:   t,
		collector: col,
		logger:    logger.With("subsystem", "perf"),
	}
}

// StartInvestigation admits the spec into the scheduler and arms its
// deadline. The timeout callback fails the investigation through the
// normal retryable/terminal path; it does not interrupt in-flight work.
func (c *Coordinator) StartInvestigation(ctx context.Context, spec investigation.Spec) (*StartReceipt, error) {
	entry, err := c.sched.Enqueue(ctx, spec)
	if err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	tenantID := entry.TenantID

	var opts deadline.Options
	opts = deadline.Options{
		Timeout: timeout,
		OnTimeout: func(id string) {
			bctx := context.Background()
			out, err := c.sched.Fail(bctx, id, ErrTimeout)
			if err != nil {
				// already completed or failed between fire and handling
				c.logger.Info(bctx, "timeout fired for settled investigation", "investigation_id", id, "error", err)
				return
			}
			outcome := "timeout_retried"
			if out.Terminal {
				outcome = "timeout"
			} else {
				// the firing registration auto-cleared; the retry gets
				// the same budget so a stuck slot is always reclaimed
				c.tracker.Register(id, opts)
			}
			c.collector.RecordInvestigationComplete(bctx, id, tenantID, timeout, outcome)
		},
		OnWarning: func(id string) {
			c.logger.Warn(context.Background(), "investigation nearing deadline",
				"investigation_id", id,
				"tenant_id", tenantID,
			)
		},
	}
	c.tracker.Register(entry.ID, opts)

	c.collector.RecordInvestigationStart(ctx, entry.ID, tenantID)

	st := c.sched.Status(entry.ID)
	return &StartReceipt{
		ID:                entry.ID,
		QueuePosition:     entry.QueuePosition,
		EstimatedWait:     st.EstimatedWait,
		TimeoutRegistered: true,
		MetricsEnabled:    true,
	}, nil
}

// CompleteInvestigation releases the slot, disarms the deadline, and
// records telemetry.
func (c *Coordinator) CompleteInvestigation(ctx context.Context, id string) (*sched.ProcessingEntry, error) {
	pe, err := c.sched.Complete(ctx, id)
	if err != nil {
		return nil, err
	}
	c.tracker.Cancel(id, "completed")
	c.collector.RecordInvestigationComplete(ctx, id, pe.TenantID, time.Since(pe.QueuedAt), "completed")
	return pe, nil
}

// FailInvestigation routes an externally reported failure through the
// scheduler's retry path. The deadline stays armed across retries and is
// disarmed only on a terminal outcome.
func (c *Coordinator) FailInvestigation(ctx context.Context, id string, cause error) (*sched.FailOutcome, error) {
	out, err := c.sched.Fail(ctx, id, cause)
	if err != nil {
		return nil, err
	}
	if out.Terminal {
		c.tracker.Cancel(id, "terminal failure")
		c.collector.RecordInvestigationComplete(ctx, id, out.TenantID, 0, "failed")
	} else {
		c.collector.RecordInvestigationComplete(ctx, id, out.TenantID, 0, "retried")
	}
	return out, nil
}

// GetThreatIntelligence resolves a lookup through the cache, recording
// call duration and, when an investigation is named, its resource usage.
func (c *Coordinator) GetThreatIntelligence(ctx context.Context, key string, fetch intelcache.FetchFunc, opts IntelOptions) (json.RawMessage, error) {
	start := time.Now()
	data, err := c.cache.Get(ctx, key, fetch, opts.Options)
	dur := time.Since(start)

	c.collector.RecordAPICall(ctx, "threat_intel", dur, err)
	if opts.InvestigationID != "" {
		c.tracker.RecordUsage(opts.InvestigationID, "intel_lookups", 1)
		c.tracker.RecordUsage(opts.InvestigationID, "intel_millis", float64(dur.Milliseconds()))
	}
	return data, err
}

// GetQueueStatus reports where an investigation currently is.
func (c *Coordinator) GetQueueStatus(id string) *sched.QueueStatus {
	return c.sched.Status(id)
}

// GetQueueStats summarizes the queue, optionally for one tenant.
func (c *Coordinator) GetQueueStats(tenantID string) *sched.Stats {
	return c.sched.Stats(tenantID)
}

// GetCacheStats snapshots cache counters.
func (c *Coordinator) GetCacheStats() intelcache.Stats {
	return c.cache.GetStats()
}

// GetCacheByPattern lists memory-tier entries matching pattern.
func (c *Coordinator) GetCacheByPattern(pattern string) []*intelcache.Entry {
	return c.cache.GetByPattern(pattern)
}

// GetTimeoutStats snapshots tracker counters.
func (c *Coordinator) GetTimeoutStats() deadline.Stats {
	return c.tracker.GetStats()
}

// GetTimeoutStatus reports the live deadline for an investigation.
func (c *Coordinator) GetTimeoutStatus(id string) (*deadline.Status, bool) {
	return c.tracker.TimeoutStatus(id)
}

// ExtendTimeout pushes an investigation's deadline forward.
func (c *Coordinator) ExtendTimeout(id string, additional time.Duration) bool {
	return c.tracker.Extend(id, additional)
}

// GetPerformanceStatus is the composite operator view.
func (c *Coordinator) GetPerformanceStatus(tenantID string) *PerformanceStatus {
	c.mu.Lock()
	health := c.lastHealth
	c.mu.Unlock()

	return &PerformanceStatus{
		Health:   health,
		Queue:    c.sched.Stats(tenantID),
		Cache:    c.cache.GetStats(),
		Timeouts: c.tracker.GetStats(),
	}
}

// OptimizeOptions select operator maintenance actions.
type OptimizeOptions struct {
	ClearCache     bool          `json:"clear_cache"`
	SweepCache     bool          `json:"sweep_cache"`
	PruneQueue     bool          `json:"prune_queue"`
	PruneOlderThan time.Duration `json:"prune_older_than,omitempty"`
	ExpireTimeouts bool          `json:"expire_timeouts"`
}

// OptimizeReport summarizes what maintenance did.
type OptimizeReport struct {
	CacheEntriesCleared int `json:"cache_entries_cleared,omitempty"`
	CacheRowsSwept      int `json:"cache_rows_swept,omitempty"`
	QueueRowsPruned     int `json:"queue_rows_pruned,omitempty"`
	TimeoutsExpired     int `json:"timeouts_expired,omitempty"`
}

// OptimizePerformance runs operator-triggered maintenance. Not on the
// scheduling hot path; individual failures are logged and the rest of
// the actions still run.
func (c *Coordinator) OptimizePerformance(ctx context.Context, opts OptimizeOptions) *OptimizeReport {
	rep := &OptimizeReport{}

	if opts.ClearCache {
		rep.CacheEntriesCleared = c.cache.Clear()
	}
	if opts.SweepCache {
		n, err := c.cache.SweepDurable(ctx)
		if err != nil {
			c.logger.Error(ctx, err, "maintenance cache sweep failed")
		}
		rep.CacheRowsSwept = n
	}
	if opts.PruneQueue {
		olderThan := opts.PruneOlderThan
		if olderThan <= 0 {
			olderThan = 24 * time.Hour
		}
		n, err := c.sched.PruneTerminal(ctx, time.Now().Add(-olderThan))
		if err != nil {
			c.logger.Error(ctx, err, "maintenance queue prune failed")
		}
		rep.QueueRowsPruned = n
	}
	if opts.ExpireTimeouts {
		rep.TimeoutsExpired = c.tracker.ExpireOverdue()
	}

	c.logger.Info(ctx, "maintenance complete",
		"cache_entries_cleared", rep.CacheEntriesCleared,
		"cache_rows_swept", rep.CacheRowsSwept,
		"queue_rows_pruned", rep.QueueRowsPruned,
		"timeouts_expired", rep.TimeoutsExpired,
	)
	return rep
}
