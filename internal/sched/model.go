package sched

import (
	"time"

	"github.com/linnemanlabs/warden/internal/investigation"
)

// Entry is a queued investigation. Priority is the severity-adjusted
// value actually used for scheduling; OriginalPriority is what the
// caller asked for, kept for retry demotion accounting.
type Entry struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	UserID            string                 `json:"user_id,omitempty"`
	AlertID           string                 `json:"alert_id"`
	Priority          int                    `json:"priority"`
	OriginalPriority  int                    `json:"original_priority"`
	Severity          investigation.Severity `json:"severity"`
	EstimatedDuration time.Duration          `json:"estimated_duration,omitempty"`
	QueuedAt          time.Time              `json:"queued_at"`
	Attempts          int                    `json:"attempts"`
	MaxAttempts       int                    `json:"max_attempts"`
	LastError         string                 `json:"last_error,omitempty"`
	QueuePosition     int                    `json:"queue_position"`
}

// ProcessingEntry is an Entry that holds a processing slot.
// Exactly one exists per investigation ID while work is active.
type ProcessingEntry struct {
	Entry
	StartedAt time.Time `json:"started_at"`
}

// Record is the durable snapshot of an investigation's scheduling state,
// written through to the Store on every transition.
type Record struct {
	Entry
	Status     investigation.Status `json:"status"`
	StartedAt  time.Time            `json:"started_at,omitempty"`
	FinishedAt time.Time            `json:"finished_at,omitempty"`
}

// QueueState is the coarse position of an investigation.
type QueueState string

const (
	StateQueued     QueueState = "queued"
	StateProcessing QueueState = "processing"
	StateAbsent     QueueState = "absent"
)

// QueueStatus answers "where is investigation X right now".
type QueueStatus struct {
	ID            string        `json:"id"`
	State         QueueState    `json:"state"`
	Position      int           `json:"position,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	Attempts      int           `json:"attempts"`
}

// Stats is a point-in-time view of the queue, optionally filtered to one
// tenant.
type Stats struct {
	QueueDepth    int            `json:"queue_depth"`
	PerPriority   map[int]int    `json:"per_priority"`
	Processing    int            `json:"processing"`
	MaxConcurrent int            `json:"max_concurrent"`
	LoadPercent   float64        `json:"load_percent"`
	AvgWait       time.Duration  `json:"avg_wait"`
	TenantLoad    map[string]int `json:"tenant_load,omitempty"`
}

// FailOutcome reports what Fail did with the investigation.
type FailOutcome struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Retried  bool   `json:"retried"`
	Terminal bool   `json:"terminal"`
	Attempts int    `json:"attempts"`
	Priority int    `json:"priority,omitempty"`
	Position int    `json:"position,omitempty"`
}
