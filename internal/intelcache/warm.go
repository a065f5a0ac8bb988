package intelcache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// WarmFetchFunc performs the upstream lookup for one key during warm-up.
type WarmFetchFunc func(ctx context.Context, key string) (json.RawMessage, error)

// WarmOptions control WarmCache.
type WarmOptions struct {
	BatchSize  int
	BatchDelay time.Duration
	TTL        time.Duration
	TenantID   string
}

// WarmCache pre-populates the cache for the given keys in paced batches,
// skipping keys that are already validly cached. Per-key fetch failures
// are logged and skipped; only context cancellation aborts the run.
// Returns the number of keys actually warmed.
func (c *Cache) WarmCache(ctx context.Context, keys []string, fetch WarmFetchFunc, opts WarmOptions) (int, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = c.cfg.WarmBatchSize
	}
	delay := opts.BatchDelay
	if delay <= 0 {
		delay = c.cfg.WarmBatchDelay
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	limiter := rate.NewLimiter(rate.Every(delay), 1)
	var warmed int

	for start := 0; start < len(keys); start += batchSize {
		if err := limiter.Wait(ctx); err != nil {
			return warmed, err
		}

		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		g, gctx := errgroup.WithContext(ctx)
		results := make([]json.RawMessage, end-start)

		for i, key := range keys[start:end] {
			if c.validlyCached(gctx, key, opts.TenantID) {
				continue
			}
			g.Go(func() error {
				data, err := fetch(gctx, key)
				if err != nil {
					c.logger.Warn(gctx, "cache warm fetch failed", "key", key, "error", err)
					return nil
				}
				results[i] = data
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return warmed, err
		}

		for i, key := range keys[start:end] {
			if results[i] == nil {
				continue
			}
			if err := c.Set(ctx, key, results[i], ttl, opts.TenantID); err != nil {
				c.logger.Error(ctx, err, "cache warm write failed", "key", key)
				continue
			}
			warmed++
			c.metrics.WarmedKeys.Inc()
		}
	}

	c.logger.Info(ctx, "cache warm-up finished", "requested", len(keys), "warmed", warmed)
	return warmed, nil
}

// validlyCached reports whether key has an unexpired copy in either tier.
func (c *Cache) validlyCached(ctx context.Context, key, tenantID string) bool {
	now := c.now()
	c.mu.Lock()
	e, ok := c.mem.Peek(memKey(key, tenantID))
	c.mu.Unlock()
	if ok && !e.Expired(now) {
		return true
	}
	_, ok, err := c.store.GetFresh(ctx, key, tenantID, now)
	return err == nil && ok
}
