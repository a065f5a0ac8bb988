package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/intelcache"
)

func entry(key, tenant string, created time.Time, ttl time.Duration) *intelcache.Entry {
	return &intelcache.Entry{
		Key:       key,
		TenantID:  tenant,
		Data:      json.RawMessage(`{"v":1}`),
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

func TestGetFresh(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	if _, ok, err := s.GetFresh(ctx, "missing", "", now); err != nil || ok {
		t.Fatalf("GetFresh(missing) = ok=%v err=%v", ok, err)
	}

	if err := s.Upsert(ctx, entry("k", "", now, time.Hour)); err != nil {
		t.Fatal(err)
	}

	e, ok, err := s.GetFresh(ctx, "k", "", now)
	if err != nil || !ok {
		t.Fatalf("GetFresh: ok=%v err=%v", ok, err)
	}
	if e.Key != "k" {
		t.Errorf("Key = %s", e.Key)
	}

	// Expired rows are invisible to GetFresh but not to GetAny.
	later := now.Add(2 * time.Hour)
	if _, ok, _ := s.GetFresh(ctx, "k", "", later); ok {
		t.Error("GetFresh returned an expired row")
	}
	if _, ok, _ := s.GetAny(ctx, "k", ""); !ok {
		t.Error("GetAny did not return the expired row")
	}
}

func TestTenantScoping(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	// Tenant row is newer than the global row.
	if err := s.Upsert(ctx, entry("k", "", now.Add(-time.Minute), time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, entry("k", "tenant-a", now, time.Hour)); err != nil {
		t.Fatal(err)
	}

	e, ok, _ := s.GetFresh(ctx, "k", "tenant-a", now)
	if !ok || e.TenantID != "tenant-a" {
		t.Errorf("tenant read got %+v, want tenant-a row", e)
	}

	// Another tenant falls back to the global row, never tenant-a's.
	e, ok, _ = s.GetFresh(ctx, "k", "tenant-b", now)
	if !ok || e.TenantID != "" {
		t.Errorf("tenant-b read got %+v, want global row", e)
	}

	// A global read never sees tenant rows.
	if err := s.Delete(ctx, "k", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetFresh(ctx, "k", "", now); ok {
		t.Error("global read returned a tenant row")
	}
}

func TestUpsertReplaces(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	if err := s.Upsert(ctx, entry("k", "t1", now, time.Hour)); err != nil {
		t.Fatal(err)
	}
	e2 := entry("k", "t1", now.Add(time.Minute), time.Hour)
	e2.Data = json.RawMessage(`{"v":2}`)
	if err := s.Upsert(ctx, e2); err != nil {
		t.Fatal(err)
	}

	got, ok, _ := s.GetAny(ctx, "k", "t1")
	if !ok || string(got.Data) != `{"v":2}` {
		t.Errorf("got %+v, want replaced data", got)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now()

	if err := s.Upsert(ctx, entry("old", "", now.Add(-2*time.Hour), time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, entry("fresh", "", now, time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := s.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, ok, _ := s.GetAny(ctx, "old", ""); ok {
		t.Error("expired row survived the sweep")
	}
	if _, ok, _ := s.GetAny(ctx, "fresh", ""); !ok {
		t.Error("fresh row was swept")
	}
}
