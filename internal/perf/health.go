package perf

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/linnemanlabs/warden/internal/deadline"
	"github.com/linnemanlabs/warden/internal/intelcache"
	"github.com/linnemanlabs/warden/internal/sched"
)

// HealthStatus classifies the coordinator's overall condition.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"

	// StatusError means the health check itself failed; the condition of
	// the subsystems is unknown.
	StatusError HealthStatus = "error"
)

// Thresholds classify subsystem stats into health statuses.
type Thresholds struct {
	QueueLoadWarnPercent     float64
	QueueLoadCriticalPercent float64

	// CacheHitRateWarnPercent flags a cold or thrashing cache. Only
	// evaluated once the cache has seen CacheMinSamples lookups.
	CacheHitRateWarnPercent float64
	CacheMinSamples         int64

	HeapWarnBytes     uint64
	HeapCriticalBytes uint64

	ActiveTimeoutsWarn int
}

func (t Thresholds) withDefaults() Thresholds {
	if t.QueueLoadWarnPercent <= 0 {
		t.QueueLoadWarnPercent = 75
	}
	if t.QueueLoadCriticalPercent <= 0 {
		t.QueueLoadCriticalPercent = 90
	}
	if t.CacheHitRateWarnPercent <= 0 {
		t.CacheHitRateWarnPercent = 50
	}
	if t.CacheMinSamples <= 0 {
		t.CacheMinSamples = 100
	}
	if t.HeapWarnBytes == 0 {
		t.HeapWarnBytes = 1 << 30 // 1 GiB
	}
	if t.HeapCriticalBytes == 0 {
		t.HeapCriticalBytes = 3 << 29 // 1.5 GiB
	}
	if t.ActiveTimeoutsWarn <= 0 {
		t.ActiveTimeoutsWarn = 1000
	}
	return t
}

// HealthReport is one health-check result.
type HealthReport struct {
	Status    HealthStatus     `json:"status"`
	CheckedAt time.Time        `json:"checked_at"`
	Alerts    []string         `json:"alerts,omitempty"`
	Queue     *sched.Stats     `json:"queue,omitempty"`
	Cache     intelcache.Stats `json:"cache"`
	Timeouts  deadline.Stats   `json:"timeouts"`
	HeapBytes uint64           `json:"heap_bytes"`
}

// RunHealthChecks drives the periodic self health-check until ctx is
// canceled.
func (c *Coordinator) RunHealthChecks(ctx context.Context) {
	t := time.NewTicker(c.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.CheckHealth(ctx)
		}
	}
}

// CheckHealth gathers stats from all subsystems and classifies overall
// status against the configured thresholds. It never propagates an
// internal failure: a panic degrades the report to StatusError.
func (c *Coordinator) CheckHealth(ctx context.Context) (rep *HealthReport) {
	defer func() {
		if rec := recover(); rec != nil {
			rep = &HealthReport{
				Status:    StatusError,
				CheckedAt: time.Now(),
				Alerts:    []string{fmt.Sprintf("health check panicked: %v", rec)},
			}
			c.storeHealth(ctx, rep)
		}
	}()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rep = &HealthReport{
		Status:    StatusHealthy,
		CheckedAt: time.Now(),
		Queue:     c.sched.Stats(""),
		Cache:     c.cache.GetStats(),
		Timeouts:  c.tracker.GetStats(),
		HeapBytes: mem.HeapAlloc,
	}

	th := c.cfg.Thresholds

	switch {
	case rep.Queue.LoadPercent >= th.QueueLoadCriticalPercent:
		rep.Status = StatusCritical
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("queue load %.0f%% >= critical %.0f%%", rep.Queue.LoadPercent, th.QueueLoadCriticalPercent))
	case rep.Queue.LoadPercent >= th.QueueLoadWarnPercent:
		rep.Status = StatusWarning
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("queue load %.0f%% >= warning %.0f%%", rep.Queue.LoadPercent, th.QueueLoadWarnPercent))
	}

	if rep.Cache.Hits+rep.Cache.Misses >= th.CacheMinSamples && rep.Cache.HitRate < th.CacheHitRateWarnPercent {
		rep.Status = worst(rep.Status, StatusWarning)
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("cache hit rate %.1f%% < %.0f%%", rep.Cache.HitRate, th.CacheHitRateWarnPercent))
	}

	switch {
	case rep.HeapBytes >= th.HeapCriticalBytes:
		rep.Status = StatusCritical
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("heap %d bytes >= critical %d", rep.HeapBytes, th.HeapCriticalBytes))
	case rep.HeapBytes >= th.HeapWarnBytes:
		rep.Status = worst(rep.Status, StatusWarning)
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("heap %d bytes >= warning %d", rep.HeapBytes, th.HeapWarnBytes))
	}

	if rep.Timeouts.Active >= th.ActiveTimeoutsWarn {
		rep.Status = worst(rep.Status, StatusWarning)
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("%d active timeouts >= %d", rep.Timeouts.Active, th.ActiveTimeoutsWarn))
	}

	c.storeHealth(ctx, rep)
	return rep
}

func (c *Coordinator) storeHealth(ctx context.Context, rep *HealthReport) {
	c.mu.Lock()
	prev := c.lastHealth
	c.lastHealth = rep
	c.mu.Unlock()

	if prev == nil || prev.Status != rep.Status {
		c.logger.Info(ctx, "health status",
			"status", rep.Status,
			"alerts", rep.Alerts,
		)
	}
}

// worst keeps the more severe of two statuses, never downgrading.
func worst(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2, StatusError: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
