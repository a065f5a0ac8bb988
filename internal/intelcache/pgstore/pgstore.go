// Package pgstore provides a PostgreSQL implementation of
// intelcache.DurableStore.
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

	"github.com/linnemanlabs/warden/internal/intelcache"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/intelcache/pgstore")

//go:embed schema.sql
var schema string

// Store persists cache rows in PostgreSQL, keyed by (cache_key, tenant_id).
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

const cacheColumns = `cache_key, tenant_id, data, created_at, expires_at, access_count, last_accessed`

// GetFresh returns the freshest unexpired row matching key and either
// the given tenant or global scope, bumping its access stats.
func (s *Store) GetFresh(ctx context.Context, key, tenantID string, now time.Time) (*intelcache.Entry, bool, error) {
	ctx, span := tracer.Start(ctx, "intelcache.pgstore.GetFresh", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `UPDATE threat_intel_cache
		SET access_count = access_count + 1, last_accessed = $4
		WHERE (cache_key, tenant_id) = (
			SELECT cache_key, tenant_id FROM threat_intel_cache
			WHERE cache_key = $1 AND tenant_id IN ($2, '') AND expires_at > $3
			ORDER BY created_at DESC LIMIT 1
		)
		RETURNING ` + cacheColumns

	e, err := scanEntry(s.pool.QueryRow(ctx, query, key, tenantID, now, now))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e, true, nil
}

// GetAny returns the freshest row for key regardless of expiry.
func (s *Store) GetAny(ctx context.Context, key, tenantID string) (*intelcache.Entry, bool, error) {
	ctx, span := tracer.Start(ctx, "intelcache.pgstore.GetAny", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + cacheColumns + ` FROM threat_intel_cache
		WHERE cache_key = $1 AND tenant_id IN ($2, '')
		ORDER BY created_at DESC LIMIT 1`

	e, err := scanEntry(s.pool.QueryRow(ctx, query, key, tenantID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	return e, true, nil
}

// Upsert inserts or replaces the row for (key, tenant).
func (s *Store) Upsert(ctx context.Context, e *intelcache.Entry) error {
	ctx, span := tracer.Start(ctx, "intelcache.pgstore.Upsert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	query := `INSERT INTO threat_intel_cache (` + cacheColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (cache_key, tenant_id) DO UPDATE SET
			data          = EXCLUDED.data,
			created_at    = EXCLUDED.created_at,
			expires_at    = EXCLUDED.expires_at,
			last_accessed = EXCLUDED.last_accessed`

	_, err := s.pool.Exec(ctx, query,
		e.Key, e.TenantID, []byte(e.Data), e.CreatedAt, e.ExpiresAt, e.AccessCount, e.LastAccessed,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

// Delete removes the row for (key, tenant).
func (s *Store) Delete(ctx context.Context, key, tenantID string) error {
	ctx, span := tracer.Start(ctx, "intelcache.pgstore.Delete", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM threat_intel_cache WHERE cache_key = $1 AND tenant_id = $2`, key, tenantID,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete cache row: %w", err)
	}
	return nil
}

// SweepExpired deletes rows expired before now.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "intelcache.pgstore.SweepExpired", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM threat_intel_cache WHERE expires_at < $1`, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanEntry scans a single row. Returns (nil, nil) when no row is found.
func scanEntry(row pgx.Row) (*intelcache.Entry, error) {
	var (
		e    intelcache.Entry
		data []byte
	)
	err := row.Scan(&e.Key, &e.TenantID, &data, &e.CreatedAt, &e.ExpiresAt, &e.AccessCount, &e.LastAccessed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	e.Data = data
	return &e, nil
}
