// Package pgstore provides a PostgreSQL implementation of sched.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/linnemanlabs/warden/internal/sched"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/sched/pgstore")

//go:embed schema.sql
var schema string

// Store persists scheduling records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Put inserts or updates the scheduling record for an investigation.
func (s *Store) Put(ctx context.Context, rec *sched.Record) error {
	ctx, span := tracer.Start(ctx, "sched.pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	var startedAt, finishedAt *time.Time
	if !rec.StartedAt.IsZero() {
		startedAt = &rec.StartedAt
	}
	if !rec.FinishedAt.IsZero() {
		finishedAt = &rec.FinishedAt
	}

	query := `INSERT INTO investigation_queue (
		investigation_id, tenant_id, user_id, alert_id, status, priority, original_priority,
		severity, estimated_duration_ms, queued_at, started_at, finished_at, attempts, max_attempts, last_error
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (investigation_id) DO UPDATE SET
		status       = EXCLUDED.status,
		priority     = EXCLUDED.priority,
		started_at   = EXCLUDED.started_at,
		finished_at  = EXCLUDED.finished_at,
		attempts     = EXCLUDED.attempts,
		last_error   = EXCLUDED.last_error`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.TenantID, rec.UserID, rec.AlertID, string(rec.Status), rec.Priority, rec.OriginalPriority,
		string(rec.Severity), rec.EstimatedDuration.Milliseconds(), rec.QueuedAt, startedAt, finishedAt,
		rec.Attempts, rec.MaxAttempts, rec.LastError,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert investigation: %w", err)
	}
	return nil
}

const queueColumns = `investigation_id, tenant_id, user_id, alert_id, status, priority, original_priority,
	severity, estimated_duration_ms, queued_at, started_at, finished_at, attempts, max_attempts, last_error`

// Get retrieves the scheduling record for an investigation.
func (s *Store) Get(ctx context.Context, id string) (*sched.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "sched.pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + queueColumns + ` FROM investigation_queue WHERE investigation_id = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// Delete removes the record for an investigation.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "sched.pgstore.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM investigation_queue WHERE investigation_id = $1`, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete investigation: %w", err)
	}
	return nil
}

// PruneTerminal deletes completed/failed rows finished before olderThan.
func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "sched.pgstore.PruneTerminal", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM investigation_queue WHERE status IN ($1, $2) AND finished_at < $3`,
		string(investigation.StatusCompleted), string(investigation.StatusFailed), olderThan,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("prune terminal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanRecord scans a single row into a sched.Record.
// Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*sched.Record, error) {
	var (
		rec        sched.Record
		status     string
		severity   string
		estMS      int64
		startedAt  *time.Time
		finishedAt *time.Time
	)

	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.UserID, &rec.AlertID, &status, &rec.Priority, &rec.OriginalPriority,
		&severity, &estMS, &rec.QueuedAt, &startedAt, &finishedAt, &rec.Attempts, &rec.MaxAttempts, &rec.LastError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	rec.Status = investigation.Status(status)
	rec.Severity = investigation.Severity(severity)
	rec.EstimatedDuration = time.Duration(estMS) * time.Millisecond
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if finishedAt != nil {
		rec.FinishedAt = *finishedAt
	}
	return &rec, nil
}
