package pgstore_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/intelcache"
	"github.com/linnemanlabs/warden/internal/intelcache/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func put(t *testing.T, s *pgstore.Store, key, tenant string, created time.Time, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	e := &intelcache.Entry{
		Key:          key,
		TenantID:     tenant,
		Data:         json.RawMessage(`{"score":42}`),
		CreatedAt:    created,
		ExpiresAt:    created.Add(ttl),
		LastAccessed: created,
	}
	if err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert %s/%s: %v", key, tenant, err)
	}
	t.Cleanup(func() { _ = s.Delete(ctx, key, tenant) })
}

func TestUpsertAndGetFresh(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	put(t, s, "test-intel-001", "tenant-test", now, time.Hour)

	e, ok, err := s.GetFresh(ctx, "test-intel-001", "tenant-test", now)
	if err != nil {
		t.Fatalf("GetFresh: %v", err)
	}
	if !ok {
		t.Fatal("GetFresh returned ok=false, want true")
	}
	if string(e.Data) != `{"score":42}` {
		t.Errorf("Data = %s", e.Data)
	}
	if e.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1 (bumped on read)", e.AccessCount)
	}

	// A second read bumps the counter again.
	e, _, err = s.GetFresh(ctx, "test-intel-001", "tenant-test", now)
	if err != nil {
		t.Fatal(err)
	}
	if e.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", e.AccessCount)
	}
}

func TestGetFresh_ExpiredInvisible(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	put(t, s, "test-intel-expired", "", now.Add(-2*time.Hour), time.Hour)

	if _, ok, err := s.GetFresh(ctx, "test-intel-expired", "", now); err != nil || ok {
		t.Fatalf("GetFresh(expired) = ok=%v err=%v, want miss", ok, err)
	}

	e, ok, err := s.GetAny(ctx, "test-intel-expired", "")
	if err != nil || !ok {
		t.Fatalf("GetAny(expired) = ok=%v err=%v, want hit", ok, err)
	}
	if string(e.Data) != `{"score":42}` {
		t.Errorf("Data = %s", e.Data)
	}
}

func TestGetFresh_TenantFallsBackToGlobal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	put(t, s, "test-intel-global", "", now, time.Hour)

	e, ok, err := s.GetFresh(ctx, "test-intel-global", "tenant-test", now)
	if err != nil || !ok {
		t.Fatalf("GetFresh = ok=%v err=%v, want global row", ok, err)
	}
	if e.TenantID != "" {
		t.Errorf("TenantID = %q, want global", e.TenantID)
	}
}

func TestSweepExpired(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	put(t, s, "test-sweep-old", "tenant-sweep", now.Add(-3*time.Hour), time.Hour)
	put(t, s, "test-sweep-fresh", "tenant-sweep", now, time.Hour)

	n, err := s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n < 1 {
		t.Errorf("swept %d, want at least 1", n)
	}
	if _, ok, _ := s.GetAny(ctx, "test-sweep-old", "tenant-sweep"); ok {
		t.Error("expired row survived the sweep")
	}
	if _, ok, _ := s.GetAny(ctx, "test-sweep-fresh", "tenant-sweep"); !ok {
		t.Error("fresh row was swept")
	}
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	put(t, s, "test-intel-del", "tenant-test", now, time.Hour)

	if err := s.Delete(ctx, "test-intel-del", "tenant-test"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.GetAny(ctx, "test-intel-del", "tenant-test"); ok {
		t.Error("row present after delete")
	}
}
