package intelcache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one cached threat-intelligence lookup. An empty TenantID
// means the entry is global. The in-memory copy of an Entry is a
// disposable optimization; losing it costs latency, never correctness.
type Entry struct {
	Key          string          `json:"key"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Data         json.RawMessage `json:"data"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// DurableStore is the unbounded persistent tier of the cache, keyed by
// (cache_key, tenant_id).
type DurableStore interface {
	// GetFresh returns the freshest unexpired row matching key and
	// either the given tenant or global scope.
	GetFresh(ctx context.Context, key, tenantID string, now time.Time) (*Entry, bool, error)

	// GetAny returns the freshest row regardless of expiry. Stale-on-error
	// path only.
	GetAny(ctx context.Context, key, tenantID string) (*Entry, bool, error)

	Upsert(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key, tenantID string) error

	// SweepExpired deletes rows expired before now.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
