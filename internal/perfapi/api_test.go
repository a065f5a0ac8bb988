package perfapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/deadline"
	"github.com/linnemanlabs/warden/internal/intelcache"
	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/linnemanlabs/warden/internal/perf"
	"github.com/linnemanlabs/warden/internal/sched"
)

// mockCoordinator implements Coordinator with canned results and error
// injection.
type mockCoordinator struct {
	startErr     error
	completeErr  error
	failErr      error
	extendOK     bool
	timeoutSt    *deadline.Status
	lastSpec     investigation.Spec
	lastFailID   string
	lastMaintOps perf.OptimizeOptions
}

func (m *mockCoordinator) StartInvestigation(_ context.Context, spec investigation.Spec) (*perf.StartReceipt, error) {
	m.lastSpec = spec
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &perf.StartReceipt{ID: spec.ID, QueuePosition: 2, EstimatedWait: time.Minute, TimeoutRegistered: true, MetricsEnabled: true}, nil
}

func (m *mockCoordinator) CompleteInvestigation(_ context.Context, id string) (*sched.ProcessingEntry, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &sched.ProcessingEntry{
		Entry:     sched.Entry{ID: id, TenantID: "t1"},
		StartedAt: time.Now().Add(-time.Minute),
	}, nil
}

func (m *mockCoordinator) FailInvestigation(_ context.Context, id string, _ error) (*sched.FailOutcome, error) {
	m.lastFailID = id
	if m.failErr != nil {
		return nil, m.failErr
	}
	return &sched.FailOutcome{ID: id, TenantID: "t1", Retried: true, Attempts: 1, Priority: 2, Position: 0}, nil
}

func (m *mockCoordinator) GetQueueStatus(id string) *sched.QueueStatus {
	return &sched.QueueStatus{ID: id, State: sched.StateQueued, Position: 1}
}

func (m *mockCoordinator) GetQueueStats(string) *sched.Stats {
	return &sched.Stats{QueueDepth: 3, Processing: 1, MaxConcurrent: 10}
}

func (m *mockCoordinator) GetCacheStats() intelcache.Stats {
	return intelcache.Stats{Hits: 9, Misses: 1, HitRate: 90}
}

func (m *mockCoordinator) GetCacheByPattern(string) []*intelcache.Entry {
	return []*intelcache.Entry{{Key: "ip:10.0.0.1"}}
}

func (m *mockCoordinator) GetTimeoutStats() deadline.Stats {
	return deadline.Stats{Active: 2, Fired: 1}
}

func (m *mockCoordinator) GetTimeoutStatus(id string) (*deadline.Status, bool) {
	if m.timeoutSt == nil {
		return nil, false
	}
	return m.timeoutSt, true
}

func (m *mockCoordinator) ExtendTimeout(string, time.Duration) bool { return m.extendOK }

func (m *mockCoordinator) GetPerformanceStatus(string) *perf.PerformanceStatus {
	return &perf.PerformanceStatus{
		Queue:    &sched.Stats{QueueDepth: 3},
		Cache:    intelcache.Stats{Hits: 9},
		Timeouts: deadline.Stats{Active: 2},
	}
}

func (m *mockCoordinator) OptimizePerformance(_ context.Context, opts perf.OptimizeOptions) *perf.OptimizeReport {
	m.lastMaintOps = opts
	return &perf.OptimizeReport{CacheEntriesCleared: 5}
}

func newTestRouter(t *testing.T) (chi.Router, *mockCoordinator) {
	t.Helper()
	mock := &mockCoordinator{extendOK: true}
	api := New(nil, mock)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, mock
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNew_NilCoordinatorPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic")
		}
	}()
	New(nil, nil)
}

func TestStartInvestigation(t *testing.T) {
	t.Parallel()
	r, mock := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/investigations", map[string]any{
		"id":        "inv-1",
		"tenant_id": "t1",
		"alert_id":  "alert-9",
		"priority":  3,
		"severity":  "high",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", w.Code, w.Body)
	}

	var receipt perf.StartReceipt
	if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.ID != "inv-1" || receipt.QueuePosition != 2 {
		t.Errorf("receipt = %+v", receipt)
	}
	if mock.lastSpec.Severity != investigation.SeverityHigh {
		t.Errorf("severity passed through = %s", mock.lastSpec.Severity)
	}
}

func TestStartInvestigation_MintsID(t *testing.T) {
	t.Parallel()
	r, mock := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/investigations", map[string]any{
		"tenant_id": "t1",
		"alert_id":  "alert-9",
		"priority":  3,
		"severity":  "medium",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if mock.lastSpec.ID == "" {
		t.Error("no ID minted for request without one")
	}
}

func TestStartInvestigation_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid spec", &investigation.SpecError{Field: "alert_id", Reason: "is required"}, http.StatusBadRequest},
		{"duplicate", &sched.AlreadyQueuedError{ID: "inv-1"}, http.StatusConflict},
		{"tenant capacity", &sched.TenantCapacityError{TenantID: "t1", Limit: 5}, http.StatusTooManyRequests},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, mock := newTestRouter(t)
			mock.startErr = tt.err

			w := doJSON(t, r, http.MethodPost, "/api/v1/investigations", map[string]any{
				"id": "inv-1", "tenant_id": "t1", "alert_id": "a", "priority": 3, "severity": "low",
			})
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStartInvestigation_BadPayload(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCompleteInvestigation(t *testing.T) {
	t.Parallel()
	r, mock := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/investigations/inv-1/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body)
	}

	mock.completeErr = sched.ErrNotProcessing
	w = doJSON(t, r, http.MethodPost, "/api/v1/investigations/inv-1/complete", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 for not-processing", w.Code)
	}
}

func TestFailInvestigation(t *testing.T) {
	t.Parallel()
	r, mock := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/investigations/inv-1/fail", map[string]any{"error": "agent crashed"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body)
	}
	if mock.lastFailID != "inv-1" {
		t.Errorf("failed ID = %s", mock.lastFailID)
	}

	var out sched.FailOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if !out.Retried || out.Priority != 2 {
		t.Errorf("outcome = %+v", out)
	}

	mock.failErr = sched.ErrNotFound
	w = doJSON(t, r, http.MethodPost, "/api/v1/investigations/inv-1/fail", map[string]any{"error": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown investigation", w.Code)
	}
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/investigations/inv-1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st sched.QueueStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.ID != "inv-1" || st.State != sched.StateQueued {
		t.Errorf("status = %+v", st)
	}
}

func TestTimeoutEndpoints(t *testing.T) {
	t.Parallel()
	r, mock := newTestRouter(t)

	// No registration: 404.
	w := doJSON(t, r, http.MethodGet, "/api/v1/investigations/inv-1/timeout", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	mock.timeoutSt = &deadline.Status{ID: "inv-1", Deadline: time.Now().Add(time.Minute)}
	w = doJSON(t, r, http.MethodGet, "/api/v1/investigations/inv-1/timeout", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	// Extend: positive value required.
	w = doJSON(t, r, http.MethodPost, "/api/v1/investigations/inv-1/timeout/extend", map[string]any{"additional_ms": 60000})
	if w.Code != http.StatusOK {
		t.Errorf("extend status = %d, want 200", w.Code)
	}
	w = doJSON(t, r, http.MethodPost, "/api/v1/investigations/inv-1/timeout/extend", map[string]any{"additional_ms": -5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("extend status = %d, want 400 for negative", w.Code)
	}

	mock.extendOK = false
	w = doJSON(t, r, http.MethodPost, "/api/v1/investigations/inv-1/timeout/extend", map[string]any{"additional_ms": 60000})
	if w.Code != http.StatusNotFound {
		t.Errorf("extend status = %d, want 404 without registration", w.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	for _, path := range []string{
		"/api/v1/status",
		"/api/v1/queue/stats",
		"/api/v1/cache/stats",
		"/api/v1/timeouts/stats",
	} {
		w := doJSON(t, r, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("GET %s Content-Type = %q", path, ct)
		}
	}
}

func TestCacheEntries(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/cache/entries?pattern=ip:*", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Pattern string             `json:"pattern"`
		Count   int                `json:"count"`
		Entries []intelcache.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Pattern != "ip:*" || resp.Count != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMaintenance(t *testing.T) {
	t.Parallel()
	r, mock := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/maintenance", map[string]any{"clear_cache": true, "sweep_cache": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !mock.lastMaintOps.ClearCache || !mock.lastMaintOps.SweepCache {
		t.Errorf("options passed = %+v", mock.lastMaintOps)
	}
	var rep perf.OptimizeReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.CacheEntriesCleared != 5 {
		t.Errorf("report = %+v", rep)
	}
}
