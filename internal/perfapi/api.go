// Package perfapi exposes the performance coordinator over HTTP: the
// inbound investigation lifecycle for the orchestrator and the status
// surface for operator tooling.
package perfapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/deadline"
	"github.com/linnemanlabs/warden/internal/intelcache"
	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/linnemanlabs/warden/internal/perf"
	"github.com/linnemanlabs/warden/internal/sched"
)

// Coordinator defines the business operations perfapi needs.
type Coordinator interface {
	StartInvestigation(ctx context.Context, spec investigation.Spec) (*perf.StartReceipt, error)
	CompleteInvestigation(ctx context.Context, id string) (*sched.ProcessingEntry, error)
	FailInvestigation(ctx context.Context, id string, cause error) (*sched.FailOutcome, error)
	GetQueueStatus(id string) *sched.QueueStatus
	GetQueueStats(tenantID string) *sched.Stats
	GetCacheStats() intelcache.Stats
	GetCacheByPattern(pattern string) []*intelcache.Entry
	GetTimeoutStats() deadline.Stats
	GetTimeoutStatus(id string) (*deadline.Status, bool)
	ExtendTimeout(id string, additional time.Duration) bool
	GetPerformanceStatus(tenantID string) *perf.PerformanceStatus
	OptimizePerformance(ctx context.Context, opts perf.OptimizeOptions) *perf.OptimizeReport
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	coord  Coordinator
}

// New creates a new API handler.
func New(logger log.Logger, coord Coordinator) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if coord == nil {
		panic(xerrors.New("coordinator is required"))
	}
	return &API{
		logger: logger,
		coord:  coord,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/investigations", a.handleStartInvestigation)
		r.Post("/investigations/{id}/complete", a.handleCompleteInvestigation)
		r.Post("/investigations/{id}/fail", a.handleFailInvestigation)
		r.Get("/investigations/{id}/status", a.handleQueueStatus)
		r.Get("/investigations/{id}/timeout", a.handleTimeoutStatus)
		r.Post("/investigations/{id}/timeout/extend", a.handleExtendTimeout)

		r.Get("/status", a.handleStatus)
		r.Get("/queue/stats", a.handleQueueStats)
		r.Get("/cache/stats", a.handleCacheStats)
		r.Get("/cache/entries", a.handleCacheEntries)
		r.Get("/timeouts/stats", a.handleTimeoutStats)

		r.Post("/maintenance", a.handleMaintenance)
	})
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.investigation.id", id))

	st := a.coord.GetQueueStatus(id)
	span.SetAttributes(attribute.String("warden.investigation.state", string(st.State)))

	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.GetPerformanceStatus(r.URL.Query().Get("tenant")))
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.GetQueueStats(r.URL.Query().Get("tenant")))
}

func (a *API) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.GetCacheStats())
}

func (a *API) handleCacheEntries(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	entries := a.coord.GetCacheByPattern(pattern)
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"count":   len(entries),
		"entries": entries,
	})
}

func (a *API) handleTimeoutStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.GetTimeoutStats())
}

func (a *API) handleTimeoutStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := a.coord.GetTimeoutStatus(id)
	if !ok {
		http.Error(w, `{"error":"no timeout registered"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
