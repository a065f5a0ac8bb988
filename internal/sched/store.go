package sched

import (
	"context"
	"time"
)

// Store is the persistence interface for scheduler state. Writes are
// write-through: the in-memory maps are authoritative and a failed write
// is logged, never allowed to block scheduling.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, bool, error)
	Delete(ctx context.Context, id string) error
	PruneTerminal(ctx context.Context, olderThan time.Time) (int, error)
}
