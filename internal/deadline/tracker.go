// Package deadline enforces per-investigation wall-clock timeouts: a
// warning callback fires once before the deadline, a hard-cancel
// callback fires exactly once at the deadline, and the registration
// auto-clears. Cancellation is cooperative only; callbacks logically
// fail the investigation, they never interrupt in-flight work.
package deadline

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultWarnFraction of the timeout interval that must elapse before
// the warning fires. Tunable, not contractual.
const DefaultWarnFraction = 0.8

// Callback receives the investigation ID when a timer fires.
type Callback func(id string)

// Options describe one timeout registration.
type Options struct {
	Timeout   time.Duration
	OnTimeout Callback
	OnWarning Callback
}

// Status describes one live registration.
type Status struct {
	ID         string             `json:"id"`
	Deadline   time.Time          `json:"deadline"`
	Remaining  time.Duration      `json:"remaining"`
	Warned     bool               `json:"warned"`
	Usage      map[string]float64 `json:"usage,omitempty"`
	Registered time.Time          `json:"registered"`
}

// Stats summarizes tracker activity.
type Stats struct {
	Active   int   `json:"active"`
	Fired    int64 `json:"fired"`
	Warned   int64 `json:"warned"`
	Canceled int64 `json:"canceled"`
	Extended int64 `json:"extended"`
}

type registration struct {
	id           string
	timeout      time.Duration
	deadline     time.Time
	registeredAt time.Time
	warned       bool
	onTimeout    Callback
	onWarning    Callback
	warnTimer    *time.Timer
	fireTimer    *time.Timer
	usage        map[string]float64
}

// Tracker owns all live registrations. At most one exists per
// investigation ID; re-registering replaces the prior one.
type Tracker struct {
	logger       log.Logger
	metrics      *Metrics
	warnFraction float64
	now          func() time.Time

	mu       sync.Mutex
	regs     map[string]*registration
	fired    int64
	warned   int64
	canceled int64
	extended int64
}

// New creates a Tracker. warnFraction <= 0 or >= 1 falls back to the
// default.
func New(warnFraction float64, logger log.Logger, m *Metrics) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}
	if warnFraction <= 0 || warnFraction >= 1 {
		warnFraction = DefaultWarnFraction
	}
	return &Tracker{
		logger:       logger.With("subsystem", "deadline"),
		metrics:      m,
		warnFraction: warnFraction,
		now:          time.Now,
		regs:         make(map[string]*registration),
	}
}

// Register arms a timeout for id. An existing registration for the same
// id is canceled and replaced, never accumulated.
func (t *Tracker) Register(id string, opts Options) {
	t.mu.Lock()
	if prior, ok := t.regs[id]; ok {
		prior.stopTimersLocked()
	}

	now := t.now()
	r := &registration{
		id:           id,
		timeout:      opts.Timeout,
		deadline:     now.Add(opts.Timeout),
		registeredAt: now,
		onTimeout:    opts.OnTimeout,
		onWarning:    opts.OnWarning,
		usage:        make(map[string]float64),
	}
	t.regs[id] = r

	if r.onWarning != nil {
		warnAfter := time.Duration(float64(opts.Timeout) * t.warnFraction)
		r.warnTimer = time.AfterFunc(warnAfter, func() { t.fireWarning(r) })
	}
	r.fireTimer = time.AfterFunc(opts.Timeout, func() { t.fireTimeout(r) })

	t.metrics.Active.Set(float64(len(t.regs)))
	t.mu.Unlock()
}

// Cancel removes the registration without firing callbacks. Idempotent;
// a second call for the same id is a no-op.
func (t *Tracker) Cancel(id, reason string) {
	t.mu.Lock()
	r, ok := t.regs[id]
	if ok {
		r.stopTimersLocked()
		delete(t.regs, id)
		t.canceled++
		t.metrics.Canceled.Inc()
		t.metrics.Active.Set(float64(len(t.regs)))
	}
	t.mu.Unlock()

	if ok {
		t.logger.Info(context.Background(), "timeout canceled", "investigation_id", id, "reason", reason)
	}
}

// Extend pushes the deadline forward by additional. Returns false if no
// registration exists for id.
func (t *Tracker) Extend(id string, additional time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.regs[id]
	if !ok {
		return false
	}

	r.deadline = r.deadline.Add(additional)
	r.timeout += additional
	r.fireTimer.Reset(r.deadline.Sub(t.now()))
	if r.warnTimer != nil && !r.warned {
		// keep the unwarned margin proportional to the new interval
		margin := time.Duration(float64(r.timeout) * (1 - t.warnFraction))
		warnIn := r.deadline.Sub(t.now()) - margin
		if warnIn < 0 {
			warnIn = 0
		}
		r.warnTimer.Reset(warnIn)
	}
	t.extended++
	t.metrics.Extended.Inc()
	return true
}

// RecordUsage accumulates a diagnostic counter for id. Usage never feeds
// back into scheduling or deadlines. Unknown ids are ignored.
func (t *Tracker) RecordUsage(id, counter string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.regs[id]; ok {
		r.usage[counter] += delta
	}
}

// TimeoutStatus reports the live registration for id, if any.
func (t *Tracker) TimeoutStatus(id string) (*Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.regs[id]
	if !ok {
		return nil, false
	}
	usage := make(map[string]float64, len(r.usage))
	for k, v := range r.usage {
		usage[k] = v
	}
	return &Status{
		ID:         id,
		Deadline:   r.deadline,
		Remaining:  r.deadline.Sub(t.now()),
		Warned:     r.warned,
		Usage:      usage,
		Registered: r.registeredAt,
	}, true
}

// GetStats snapshots tracker counters.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Active:   len(t.regs),
		Fired:    t.fired,
		Warned:   t.warned,
		Canceled: t.canceled,
		Extended: t.extended,
	}
}

// ExpireOverdue force-fires registrations whose deadline has already
// passed. Operator maintenance for timers wedged by clock adjustments.
func (t *Tracker) ExpireOverdue() int {
	now := t.now()

	t.mu.Lock()
	var overdue []*registration
	for _, r := range t.regs {
		if now.After(r.deadline) {
			overdue = append(overdue, r)
		}
	}
	t.mu.Unlock()

	for _, r := range overdue {
		t.fireTimeout(r)
	}
	return len(overdue)
}

// fireTimeout runs at the deadline: it clears the registration first,
// then invokes the callback outside the lock. The identity check makes
// a stale timer from a replaced registration a no-op.
func (t *Tracker) fireTimeout(r *registration) {
	t.mu.Lock()
	current, ok := t.regs[r.id]
	if !ok || current != r {
		t.mu.Unlock()
		return
	}
	// An Extend can move the deadline while this goroutine waits on the
	// lock; a fire against the old deadline re-arms instead.
	if remaining := r.deadline.Sub(t.now()); remaining > 0 {
		r.fireTimer.Reset(remaining)
		t.mu.Unlock()
		return
	}
	r.stopTimersLocked()
	delete(t.regs, r.id)
	t.fired++
	t.metrics.Fired.Inc()
	t.metrics.Active.Set(float64(len(t.regs)))
	t.mu.Unlock()

	t.logger.Warn(context.Background(), "investigation deadline exceeded",
		"investigation_id", r.id,
		"timeout", r.timeout,
	)
	t.safeInvoke(r.onTimeout, r.id, "timeout")
}

func (t *Tracker) fireWarning(r *registration) {
	t.mu.Lock()
	current, ok := t.regs[r.id]
	if !ok || current != r || r.warned {
		t.mu.Unlock()
		return
	}
	r.warned = true
	t.warned++
	t.metrics.Warned.Inc()
	t.mu.Unlock()

	t.logger.Warn(context.Background(), "investigation approaching deadline",
		"investigation_id", r.id,
		"deadline", r.deadline,
	)
	t.safeInvoke(r.onWarning, r.id, "warning")
}

// safeInvoke runs a callback, recovering panics so one failing handler
// never stops timers from firing for other investigations.
func (t *Tracker) safeInvoke(cb Callback, id, kind string) {
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Warn(context.Background(), "timeout callback panicked",
				"investigation_id", id,
				"kind", kind,
				"panic", rec,
			)
		}
	}()
	cb(id)
}

func (r *registration) stopTimersLocked() {
	if r.warnTimer != nil {
		r.warnTimer.Stop()
	}
	if r.fireTimer != nil {
		r.fireTimer.Stop()
	}
}
