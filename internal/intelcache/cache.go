// Package intelcache provides a two-tier read-through cache for
// expensive external threat-intelligence lookups: a bounded LRU memory
// tier in front of an unbounded durable tier, with TTL expiry,
// stale-on-error fallback, and batch warm-up.
package intelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"path"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Defaults for Config fields left zero.
const (
	DefaultCapacity       = 10000
	DefaultTTL            = time.Hour
	DefaultWarmBatchSize  = 10
	DefaultWarmBatchDelay = 100 * time.Millisecond
	DefaultSweepChance    = 20 // 1-in-N durable writes trigger an expired-row sweep
)

// evictFraction of the memory tier is dropped when a write finds it full.
const evictFraction = 0.10

// FetchFunc performs the live upstream lookup on a cache miss.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Options control a single Get.
type Options struct {
	TTL          time.Duration
	ForceRefresh bool
	TenantID     string
}

// Config carries cache tunables.
type Config struct {
	Capacity       int
	DefaultTTL     time.Duration
	WarmBatchSize  int
	WarmBatchDelay time.Duration
	SweepChance    int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.WarmBatchSize <= 0 {
		c.WarmBatchSize = DefaultWarmBatchSize
	}
	if c.WarmBatchDelay <= 0 {
		c.WarmBatchDelay = DefaultWarmBatchDelay
	}
	if c.SweepChance <= 0 {
		c.SweepChance = DefaultSweepChance
	}
	return c
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Refreshes     int64   `json:"refreshes"`
	StaleServes   int64   `json:"stale_serves"`
	FetchErrors   int64   `json:"fetch_errors"`
	HitRate       float64 `json:"hit_rate"`
	MemoryEntries int     `json:"memory_entries"`
}

// Cache composes the memory and durable tiers.
type Cache struct {
	cfg     Config
	store   DurableStore
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	mu  sync.Mutex
	mem *lru.Cache[string, *Entry]

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	refreshes   atomic.Int64
	staleServes atomic.Int64
	fetchErrors atomic.Int64
}

// New creates a Cache over the given durable tier.
func New(cfg Config, store DurableStore, logger log.Logger, m *Metrics) (*Cache, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}
	cfg = cfg.withDefaults()
	mem, err := lru.New[string, *Entry](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("lru init: %w", err)
	}
	c := &Cache{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("subsystem", "intelcache"),
		metrics: m,
		now:     time.Now,
		mem:     mem,
	}
	m.setEntriesFunc(func() float64 {
		return float64(c.mem.Len())
	})
	return c, nil
}

// memKey scopes the memory tier by tenant so tenant rows never shadow
// global ones for other tenants.
func memKey(key, tenantID string) string {
	if tenantID == "" {
		return "g\x00" + key
	}
	return "t\x00" + tenantID + "\x00" + key
}

// Get resolves key through memory, then the durable tier, then fetchFn.
// On a fetch failure the most recent stale copy from either tier is
// served as a degraded result; the error propagates only when no copy
// exists anywhere.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc, opts Options) (json.RawMessage, error) {
	now := c.now()

	if !opts.ForceRefresh {
		if e := c.memGet(key, opts.TenantID, now); e != nil {
			c.hits.Add(1)
			c.metrics.Hits.Inc()
			return e.Data, nil
		}

		e, ok, err := c.store.GetFresh(ctx, key, opts.TenantID, now)
		if err != nil {
			// durable tier down is a miss, not a failure
			c.logger.Error(ctx, err, "durable cache read failed", "key", key)
		} else if ok {
			c.hits.Add(1)
			c.metrics.Hits.Inc()
			c.memPut(e)
			return e.Data, nil
		}
	}

	c.misses.Add(1)
	c.metrics.Misses.Inc()

	data, err := fetch(ctx)
	if err != nil {
		c.fetchErrors.Add(1)
		c.metrics.FetchErrors.Inc()
		if stale := c.staleLookup(ctx, key, opts.TenantID); stale != nil {
			c.staleServes.Add(1)
			c.metrics.StaleServes.Inc()
			c.logger.Warn(ctx, "upstream fetch failed, serving stale cache entry",
				"key", key,
				"tenant_id", opts.TenantID,
				"expired_at", stale.ExpiresAt,
				"error", err,
			)
			return stale.Data, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	e := &Entry{
		Key:          key,
		TenantID:     opts.TenantID,
		Data:         data,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		AccessCount:  1,
		LastAccessed: now,
	}
	c.refreshes.Add(1)
	c.metrics.Refreshes.Inc()
	c.writeThrough(ctx, e)
	return data, nil
}

// Set writes an entry to both tiers.
func (c *Cache) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration, tenantID string) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()
	e := &Entry{
		Key:          key,
		TenantID:     tenantID,
		Data:         data,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
	c.memPut(e)
	if err := c.store.Upsert(ctx, e); err != nil {
		return fmt.Errorf("durable cache write: %w", err)
	}
	c.maybeSweep(ctx)
	return nil
}

// Delete removes an entry from both tiers.
func (c *Cache) Delete(ctx context.Context, key, tenantID string) error {
	c.mu.Lock()
	c.mem.Remove(memKey(key, tenantID))
	c.mu.Unlock()
	if err := c.store.Delete(ctx, key, tenantID); err != nil {
		return fmt.Errorf("durable cache delete: %w", err)
	}
	return nil
}

// GetByPattern returns memory-tier entries whose key matches the
// path.Match pattern. Operator tooling only.
func (c *Cache) GetByPattern(pattern string) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Entry
	for _, k := range c.mem.Keys() {
		e, ok := c.mem.Peek(k)
		if !ok {
			continue
		}
		if matched, err := path.Match(pattern, e.Key); err != nil || !matched {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Clear drops the entire memory tier. The durable tier is untouched.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.mem.Len()
	c.mem.Purge()
	return n
}

// SweepDurable deletes expired durable rows now.
func (c *Cache) SweepDurable(ctx context.Context) (int, error) {
	return c.store.SweepExpired(ctx, c.now())
}

// GetStats snapshots the counters.
func (c *Cache) GetStats() Stats {
	st := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Refreshes:     c.refreshes.Load(),
		StaleServes:   c.staleServes.Load(),
		FetchErrors:   c.fetchErrors.Load(),
		MemoryEntries: c.mem.Len(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = 100 * float64(st.Hits) / float64(total)
	}
	return st
}

// memGet returns an unexpired memory entry, bumping its access stats.
// Expired entries are left in place for the stale-on-error path.
func (c *Cache) memGet(key, tenantID string, now time.Time) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.mem.Get(memKey(key, tenantID))
	if !ok && tenantID != "" {
		e, ok = c.mem.Get(memKey(key, ""))
	}
	if !ok || e.Expired(now) {
		return nil
	}
	e.AccessCount++
	e.LastAccessed = now
	return e
}

// memPut stores a copy in the memory tier, dropping the
// least-recently-accessed slice of entries when full.
func (c *Cache) memPut(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mem.Len() >= c.cfg.Capacity {
		n := int(float64(c.cfg.Capacity) * evictFraction)
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			if _, _, ok := c.mem.RemoveOldest(); !ok {
				break
			}
		}
		c.evictions.Add(int64(n))
		c.metrics.Evictions.Add(float64(n))
	}
	cp := *e
	c.mem.Add(memKey(e.Key, e.TenantID), &cp)
}

// staleLookup finds the most recent copy at any staleness across both
// tiers.
func (c *Cache) staleLookup(ctx context.Context, key, tenantID string) *Entry {
	c.mu.Lock()
	me, mok := c.mem.Peek(memKey(key, tenantID))
	if !mok && tenantID != "" {
		me, mok = c.mem.Peek(memKey(key, ""))
	}
	c.mu.Unlock()

	de, dok, err := c.store.GetAny(ctx, key, tenantID)
	if err != nil {
		c.logger.Error(ctx, err, "durable stale read failed", "key", key)
		dok = false
	}

	switch {
	case mok && dok:
		if de.CreatedAt.After(me.CreatedAt) {
			return de
		}
		return me
	case mok:
		return me
	case dok:
		return de
	}
	return nil
}

// writeThrough mirrors a fetched entry into both tiers. Durable failures
// are logged, never surfaced: the caller already has fresh data.
func (c *Cache) writeThrough(ctx context.Context, e *Entry) {
	c.memPut(e)
	if err := c.store.Upsert(ctx, e); err != nil {
		c.logger.Error(ctx, err, "durable cache write failed", "key", e.Key)
		return
	}
	c.maybeSweep(ctx)
}

// maybeSweep opportunistically removes expired durable rows on roughly
// 1-in-SweepChance writes.
func (c *Cache) maybeSweep(ctx context.Context) {
	if rand.IntN(c.cfg.SweepChance) != 0 {
		return
	}
	n, err := c.store.SweepExpired(ctx, c.now())
	if err != nil {
		c.logger.Error(ctx, err, "durable cache sweep failed")
		return
	}
	if n > 0 {
		c.logger.Info(ctx, "swept expired cache rows", "rows", n)
	}
}
