package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/linnemanlabs/warden/internal/sched"
)

func rec(id string, status investigation.Status, finished time.Time) *sched.Record {
	return &sched.Record{
		Entry: sched.Entry{
			ID:       id,
			TenantID: "t1",
			AlertID:  "alert-" + id,
			Priority: 3,
			QueuedAt: time.Now(),
		},
		Status:     status,
		FinishedAt: finished,
	}
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	r := rec("inv-1", investigation.StatusQueued, time.Time{})
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The store keeps copies, not the caller's pointer.
	r.Status = investigation.StatusProcessing

	got, ok, err := s.Get(ctx, "inv-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != investigation.StatusQueued {
		t.Errorf("stored status = %s, want queued (copy semantics)", got.Status)
	}

	// Put replaces the prior snapshot.
	if err := s.Put(ctx, rec("inv-1", investigation.StatusProcessing, time.Time{})); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Get(ctx, "inv-1")
	if got.Status != investigation.StatusProcessing {
		t.Errorf("status after replace = %s, want processing", got.Status)
	}

	if err := s.Delete(ctx, "inv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "inv-1"); ok {
		t.Error("record present after delete")
	}
	if err := s.Delete(ctx, "inv-1"); err != nil {
		t.Errorf("Delete of absent record: %v", err)
	}
}

func TestPruneTerminal(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	cutoff := time.Now()

	old := cutoff.Add(-time.Hour)
	recent := cutoff.Add(time.Hour)

	for _, r := range []*sched.Record{
		rec("done-old", investigation.StatusCompleted, old),
		rec("failed-old", investigation.StatusFailed, old),
		rec("done-recent", investigation.StatusCompleted, recent),
		rec("still-queued", investigation.StatusQueued, time.Time{}),
	} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneTerminal(ctx, cutoff)
	if err != nil {
		t.Fatalf("PruneTerminal: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}

	for id, want := range map[string]bool{
		"done-old": false, "failed-old": false, "done-recent": true, "still-queued": true,
	} {
		if _, ok, _ := s.Get(ctx, id); ok != want {
			t.Errorf("%s present=%v, want %v", id, ok, want)
		}
	}
}
