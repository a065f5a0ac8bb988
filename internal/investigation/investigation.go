// Package investigation defines the shared domain model for Warden's
// investigation pipeline: the inbound spec, severity handling, lifecycle
// status, and admission errors.
package investigation

import (
	"fmt"
	"time"
)

// Priority bounds for an investigation. Priority 5 is most urgent.
const (
	MinPriority = 1
	MaxPriority = 5
)

// Severity of the originating security alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// PriorityBoost returns the scheduling boost applied on top of the
// requested priority. Unknown severities get no boost.
func (s Severity) PriorityBoost() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityHigh:
		return 1
	case SeverityLow, SeverityInfo:
		return -1
	default:
		return 0
	}
}

// ClampPriority forces p into the [MinPriority, MaxPriority] range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Status tracks where an investigation is in its scheduling lifecycle.
type Status string

const (
	// StatusQueued means admitted and waiting for a processing slot.
	StatusQueued Status = "queued"

	// StatusProcessing means a slot is held and work is active.
	StatusProcessing Status = "processing"

	// StatusCompleted means finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means attempts are exhausted; terminal.
	StatusFailed Status = "failed"
)

// Spec is an investigation request submitted by the orchestrator.
type Spec struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	UserID            string            `json:"user_id,omitempty"`
	AlertID           string            `json:"alert_id"`
	Priority          int               `json:"priority"`
	Severity          Severity          `json:"severity"`
	EstimatedDuration time.Duration     `json:"estimated_duration,omitempty"`
	Timeout           time.Duration     `json:"timeout,omitempty"`
	MaxAttempts       int               `json:"max_attempts,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Validate checks required fields. A violation is an admission error and
// is never retried.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return &SpecError{Field: "id", Reason: "is required"}
	}
	if s.TenantID == "" {
		return &SpecError{Field: "tenant_id", Reason: "is required"}
	}
	if s.AlertID == "" {
		return &SpecError{Field: "alert_id", Reason: "is required"}
	}
	if s.Priority < MinPriority || s.Priority > MaxPriority {
		return &SpecError{Field: "priority", Reason: fmt.Sprintf("%d out of range [%d,%d]", s.Priority, MinPriority, MaxPriority)}
	}
	return nil
}

// SpecError reports a missing or invalid spec field.
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("spec field %s %s", e.Field, e.Reason)
}
