package perfapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/linnemanlabs/warden/internal/perf"
	"github.com/linnemanlabs/warden/internal/sched"
)

// startRequest is the wire form of an investigation spec. Durations are
// carried in milliseconds.
type startRequest struct {
	ID                  string                 `json:"id,omitempty"`
	TenantID            string                 `json:"tenant_id"`
	UserID              string                 `json:"user_id,omitempty"`
	AlertID             string                 `json:"alert_id"`
	Priority            int                    `json:"priority"`
	Severity            investigation.Severity `json:"severity"`
	EstimatedDurationMS int64                  `json:"estimated_duration_ms,omitempty"`
	TimeoutMS           int64                  `json:"timeout_ms,omitempty"`
	MaxAttempts         int                    `json:"max_attempts,omitempty"`
	Metadata            map[string]string      `json:"metadata,omitempty"`
}

func (a *API) handleStartInvestigation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	spec := investigation.Spec{
		ID:                req.ID,
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		AlertID:           req.AlertID,
		Priority:          req.Priority,
		Severity:          req.Severity,
		EstimatedDuration: time.Duration(req.EstimatedDurationMS) * time.Millisecond,
		Timeout:           time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxAttempts:       req.MaxAttempts,
		Metadata:          req.Metadata,
	}

	receipt, err := a.coord.StartInvestigation(r.Context(), spec)
	if err != nil {
		a.writeAdmissionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, receipt)
}

func (a *API) handleCompleteInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pe, err := a.coord.CompleteInvestigation(r.Context(), id)
	if err != nil {
		if errors.Is(err, sched.ErrNotProcessing) {
			http.Error(w, `{"error":"investigation is not processing"}`, http.StatusConflict)
			return
		}
		a.logger.Error(r.Context(), err, "complete investigation failed", "investigation_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":                 id,
		"status":             investigation.StatusCompleted,
		"processing_seconds": time.Since(pe.StartedAt).Seconds(),
	})
}

type failRequest struct {
	Error string `json:"error"`
}

func (a *API) handleFailInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	out, err := a.coord.FailInvestigation(r.Context(), id, errors.New(req.Error))
	if err != nil {
		if errors.Is(err, sched.ErrNotFound) {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		a.logger.Error(r.Context(), err, "fail investigation failed", "investigation_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

type extendRequest struct {
	AdditionalMS int64 `json:"additional_ms"`
}

func (a *API) handleExtendTimeout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdditionalMS <= 0 {
		http.Error(w, `{"error":"additional_ms must be positive"}`, http.StatusBadRequest)
		return
	}

	if !a.coord.ExtendTimeout(id, time.Duration(req.AdditionalMS)*time.Millisecond) {
		http.Error(w, `{"error":"no timeout registered"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "extended": true})
}

func (a *API) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var opts perf.OptimizeOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, a.coord.OptimizePerformance(r.Context(), opts))
}

// writeAdmissionError maps the admission error taxonomy onto HTTP codes.
// Admission violations are synchronous and never retried server-side;
// 429 signals the caller may retry later, 400/409 that it must not.
func (a *API) writeAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	var specErr *investigation.SpecError
	var dupErr *sched.AlreadyQueuedError
	var capErr *sched.TenantCapacityError

	switch {
	case errors.As(err, &specErr):
		http.Error(w, `{"error":"`+specErr.Error()+`"}`, http.StatusBadRequest)
	case errors.As(err, &dupErr):
		http.Error(w, `{"error":"already queued"}`, http.StatusConflict)
	case errors.As(err, &capErr):
		http.Error(w, `{"error":"tenant capacity exceeded"}`, http.StatusTooManyRequests)
	default:
		a.logger.Error(r.Context(), err, "start investigation failed")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
