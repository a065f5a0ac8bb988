// Package memstore provides an in-memory implementation of
// intelcache.DurableStore. Suitable for dev/testing; nothing survives a
// restart, which for the cache only costs latency.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/intelcache"
)

type rowKey struct {
	key      string
	tenantID string
}

// Store holds cache rows in memory.
type Store struct {
	mu   sync.RWMutex
	rows map[rowKey]*intelcache.Entry
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{rows: make(map[rowKey]*intelcache.Entry)}
}

// GetFresh returns the freshest unexpired row for key, preferring the
// tenant-scoped row over the global one.
func (s *Store) GetFresh(_ context.Context, key, tenantID string, now time.Time) (*intelcache.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *intelcache.Entry
	for _, scope := range scopes(tenantID) {
		e, ok := s.rows[rowKey{key: key, tenantID: scope}]
		if !ok || e.Expired(now) {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := *best
	return &cp, true, nil
}

// GetAny returns the freshest row for key regardless of expiry.
func (s *Store) GetAny(_ context.Context, key, tenantID string) (*intelcache.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *intelcache.Entry
	for _, scope := range scopes(tenantID) {
		e, ok := s.rows[rowKey{key: key, tenantID: scope}]
		if !ok {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, false, nil
	}
	cp := *best
	return &cp, true, nil
}

// Upsert stores a copy of the entry keyed by (key, tenant).
func (s *Store) Upsert(_ context.Context, e *intelcache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.rows[rowKey{key: e.Key, tenantID: e.TenantID}] = &cp
	return nil
}

// Delete removes the row for (key, tenant). No-op if absent.
func (s *Store) Delete(_ context.Context, key, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, rowKey{key: key, tenantID: tenantID})
	return nil
}

// SweepExpired deletes rows expired before now.
func (s *Store) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.rows {
		if e.Expired(now) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// scopes lists the tenant scopes a read may match: the tenant's own rows
// and global rows. A global read matches only global rows.
func scopes(tenantID string) []string {
	if tenantID == "" {
		return []string{""}
	}
	return []string{tenantID, ""}
}
