// Package memstore provides an in-memory implementation of sched.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/linnemanlabs/warden/internal/sched"
)

// Store holds scheduling records in memory. Suitable for dev/testing.
type Store struct {
	mu   sync.RWMutex
	recs map[string]*sched.Record // investigation ID -> latest record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{recs: make(map[string]*sched.Record)}
}

// Put stores a copy of the record, replacing any prior snapshot.
func (s *Store) Put(_ context.Context, rec *sched.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

// Get retrieves a record by investigation ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*sched.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// Delete removes a record. No-op if absent.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

// PruneTerminal deletes completed/failed records finished before olderThan.
func (s *Store) PruneTerminal(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.recs {
		terminal := rec.Status == investigation.StatusCompleted || rec.Status == investigation.StatusFailed
		if terminal && rec.FinishedAt.Before(olderThan) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}
