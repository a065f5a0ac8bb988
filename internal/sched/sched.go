// Package sched implements admission control and priority/fairness
// scheduling of investigations across a bounded global and per-tenant
// concurrency budget, with retry-by-demotion on failure.
//
// All scheduler state (priority buckets, processing set, tenant load)
// lives in memory behind a single mutex; priority selection reads
// several fields together and needs a consistent snapshot. The Store is
// write-through only.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/investigation"
	"github.com/prometheus/client_golang/prometheus"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxConcurrent     = 10
	DefaultMaxPerTenant      = 5
	DefaultTickInterval      = time.Second
	DefaultMaxAttempts       = 3
	DefaultAvgProcessingTime = 5 * time.Minute
)

// Config carries scheduler tunables.
type Config struct {
	// MaxConcurrent bounds the global processing set.
	MaxConcurrent int

	// MaxPerTenant bounds a single tenant's queued+processing entries at
	// admission and its processing entries at tick selection.
	MaxPerTenant int

	// TickInterval is the period of the promotion loop driven by Run.
	TickInterval time.Duration

	// MaxAttempts is the default attempt budget for specs that do not
	// carry their own.
	MaxAttempts int

	// AvgProcessingTime is the heuristic constant behind wait estimates.
	AvgProcessingTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = DefaultMaxPerTenant
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AvgProcessingTime <= 0 {
		c.AvgProcessingTime = DefaultAvgProcessingTime
	}
	return c
}

// emaAlpha is the smoothing factor for the average-wait estimate.
const emaAlpha = 0.1

// Scheduler owns the investigation queue and processing set.
type Scheduler struct {
	cfg     Config
	store   Store
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	mu               sync.Mutex
	buckets          map[int][]*Entry // priority -> entries, scanned for min (load, queuedAt)
	queued           map[string]*Entry
	processing       map[string]*ProcessingEntry
	tenantQueued     map[string]int
	tenantProcessing map[string]int
	avgWaitSeconds   float64
	avgWaitSeeded    bool
}

// New creates a Scheduler. The store is required; pass memstore.New()
// when running without a database.
func New(cfg Config, store Store, logger log.Logger, m *Metrics) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}
	return &Scheduler{
		cfg:              cfg.withDefaults(),
		store:            store,
		logger:           logger.With("subsystem", "sched"),
		metrics:          m,
		now:              time.Now,
		buckets:          make(map[int][]*Entry),
		queued:           make(map[string]*Entry),
		processing:       make(map[string]*ProcessingEntry),
		tenantQueued:     make(map[string]int),
		tenantProcessing: make(map[string]int),
	}
}

// Run drives the promotion loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Enqueue admits an investigation into the queue. It rejects duplicates
// and tenant-capacity overflow synchronously; neither is retried.
func (s *Scheduler) Enqueue(ctx context.Context, spec investigation.Spec) (*Entry, error) {
	if err := spec.Validate(); err != nil {
		s.metrics.Admissions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	s.mu.Lock()

	if _, dup := s.queued[spec.ID]; dup {
		s.mu.Unlock()
		s.metrics.Admissions.WithLabelValues("duplicate").Inc()
		return nil, &AlreadyQueuedError{ID: spec.ID}
	}
	if _, dup := s.processing[spec.ID]; dup {
		s.mu.Unlock()
		s.metrics.Admissions.WithLabelValues("duplicate").Inc()
		return nil, &AlreadyQueuedError{ID: spec.ID}
	}

	if s.tenantQueued[spec.TenantID]+s.tenantProcessing[spec.TenantID] >= s.cfg.MaxPerTenant {
		s.mu.Unlock()
		s.metrics.Admissions.WithLabelValues("capacity").Inc()
		return nil, &TenantCapacityError{TenantID: spec.TenantID, Limit: s.cfg.MaxPerTenant}
	}

	adjusted := investigation.ClampPriority(spec.Priority + spec.Severity.PriorityBoost())
	e := &Entry{
		ID:                spec.ID,
		TenantID:          spec.TenantID,
		UserID:            spec.UserID,
		AlertID:           spec.AlertID,
		Priority:          adjusted,
		OriginalPriority:  spec.Priority,
		Severity:          spec.Severity,
		EstimatedDuration: spec.EstimatedDuration,
		QueuedAt:          s.now(),
		MaxAttempts:       maxAttempts,
	}
	e.QueuePosition = s.itemsAheadLocked(e)

	s.buckets[adjusted] = append(s.buckets[adjusted], e)
	s.queued[e.ID] = e
	s.tenantQueued[e.TenantID]++
	s.updateGaugesLocked()
	cp := *e
	s.mu.Unlock()

	s.metrics.Admissions.WithLabelValues("queued").Inc()
	s.persist(ctx, &Record{Entry: cp, Status: investigation.StatusQueued})

	s.logger.Info(ctx, "investigation queued",
		"investigation_id", cp.ID,
		"tenant_id", cp.TenantID,
		"priority", cp.Priority,
		"original_priority", cp.OriginalPriority,
		"severity", cp.Severity,
		"position", cp.QueuePosition,
	)
	return &cp, nil
}

// Tick promotes queued entries into processing slots until the global
// bound is hit or no eligible entry remains.
func (s *Scheduler) Tick(ctx context.Context) int {
	var promoted []*ProcessingEntry

	s.mu.Lock()
	for len(s.processing) < s.cfg.MaxConcurrent {
		e := s.selectLocked()
		if e == nil {
			break
		}
		s.removeQueuedLocked(e)
		pe := &ProcessingEntry{Entry: *e, StartedAt: s.now()}
		s.processing[e.ID] = pe
		s.tenantProcessing[e.TenantID]++
		s.metrics.TenantProcessing.WithLabelValues(e.TenantID).Set(float64(s.tenantProcessing[e.TenantID]))
		promoted = append(promoted, pe)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, pe := range promoted {
		s.persist(ctx, &Record{Entry: pe.Entry, Status: investigation.StatusProcessing, StartedAt: pe.StartedAt})
		s.logger.Info(ctx, "investigation processing",
			"investigation_id", pe.ID,
			"tenant_id", pe.TenantID,
			"priority", pe.Priority,
			"queued_for", pe.StartedAt.Sub(pe.QueuedAt).Seconds(),
		)
	}
	return len(promoted)
}

// selectLocked picks the next entry: highest priority bucket first, then
// least-loaded tenant, then oldest. Tenants at MaxPerTenant processing
// are skipped; a bucket fully blocked by saturated tenants yields to the
// next bucket rather than head-of-line blocking it.
func (s *Scheduler) selectLocked() *Entry {
	for p := investigation.MaxPriority; p >= investigation.MinPriority; p-- {
		var best *Entry
		for _, e := range s.buckets[p] {
			if s.tenantProcessing[e.TenantID] >= s.cfg.MaxPerTenant {
				continue
			}
			if best == nil {
				best = e
				continue
			}
			bl, el := s.tenantProcessing[best.TenantID], s.tenantProcessing[e.TenantID]
			if el < bl || (el == bl && e.QueuedAt.Before(best.QueuedAt)) {
				best = e
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// Complete releases the processing slot for a finished investigation and
// folds its queue wait into the moving average.
func (s *Scheduler) Complete(ctx context.Context, id string) (*ProcessingEntry, error) {
	s.mu.Lock()
	pe, ok := s.processing[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotProcessing
	}
	delete(s.processing, id)
	s.tenantProcessing[pe.TenantID]--
	if s.tenantProcessing[pe.TenantID] <= 0 {
		delete(s.tenantProcessing, pe.TenantID)
	}
	s.metrics.TenantProcessing.WithLabelValues(pe.TenantID).Set(float64(s.tenantProcessing[pe.TenantID]))

	wait := pe.StartedAt.Sub(pe.QueuedAt).Seconds()
	if !s.avgWaitSeeded {
		s.avgWaitSeconds = wait
		s.avgWaitSeeded = true
	} else {
		s.avgWaitSeconds = emaAlpha*wait + (1-emaAlpha)*s.avgWaitSeconds
	}
	s.updateGaugesLocked()
	finished := s.now()
	cp := *pe
	s.mu.Unlock()

	s.metrics.Outcomes.WithLabelValues("completed").Inc()
	s.metrics.WaitSeconds.Observe(wait)
	s.persist(ctx, &Record{Entry: cp.Entry, Status: investigation.StatusCompleted, StartedAt: cp.StartedAt, FinishedAt: finished})

	s.logger.Info(ctx, "investigation completed",
		"investigation_id", id,
		"tenant_id", cp.TenantID,
		"wait_seconds", wait,
		"processing_seconds", finished.Sub(cp.StartedAt).Seconds(),
	)
	return &cp, nil
}

// Fail records a failure for a processing (or still-queued) investigation.
// Below the attempt budget it re-enqueues at demoted priority with the
// original queuedAt preserved; at the budget it is terminal.
func (s *Scheduler) Fail(ctx context.Context, id string, cause error) (*FailOutcome, error) {
	s.mu.Lock()

	var e *Entry
	if pe, ok := s.processing[id]; ok {
		delete(s.processing, id)
		s.tenantProcessing[pe.TenantID]--
		if s.tenantProcessing[pe.TenantID] <= 0 {
			delete(s.tenantProcessing, pe.TenantID)
		}
		s.metrics.TenantProcessing.WithLabelValues(pe.TenantID).Set(float64(s.tenantProcessing[pe.TenantID]))
		cp := pe.Entry
		e = &cp
	} else if qe, ok := s.queued[id]; ok {
		// a timeout can fire before the entry ever got a slot
		s.removeQueuedLocked(qe)
		cp := *qe
		e = &cp
	} else {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}

	out := &FailOutcome{ID: id, TenantID: e.TenantID, Attempts: e.Attempts}
	if e.Attempts < e.MaxAttempts {
		if e.Priority > investigation.MinPriority {
			e.Priority--
		}
		e.QueuePosition = s.itemsAheadLocked(e)
		s.buckets[e.Priority] = append(s.buckets[e.Priority], e)
		s.queued[e.ID] = e
		s.tenantQueued[e.TenantID]++
		out.Retried = true
		out.Priority = e.Priority
		out.Position = e.QueuePosition
	} else {
		out.Terminal = true
	}
	s.updateGaugesLocked()
	finished := s.now()
	cp := *e
	s.mu.Unlock()

	if out.Retried {
		s.metrics.Outcomes.WithLabelValues("retried").Inc()
		s.persist(ctx, &Record{Entry: cp, Status: investigation.StatusQueued})
		s.logger.Warn(ctx, "investigation failed, re-enqueued",
			"investigation_id", id,
			"tenant_id", cp.TenantID,
			"attempts", cp.Attempts,
			"max_attempts", cp.MaxAttempts,
			"priority", cp.Priority,
			"error", cp.LastError,
		)
	} else {
		s.metrics.Outcomes.WithLabelValues("terminal").Inc()
		s.persist(ctx, &Record{Entry: cp, Status: investigation.StatusFailed, FinishedAt: finished})
		s.logger.Error(ctx, cause, "investigation failed terminally",
			"investigation_id", id,
			"tenant_id", cp.TenantID,
			"attempts", cp.Attempts,
		)
	}
	return out, nil
}

// Status reports where an investigation currently is.
func (s *Scheduler) Status(id string) *QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pe, ok := s.processing[id]; ok {
		return &QueueStatus{ID: id, State: StateProcessing, StartedAt: pe.StartedAt, Attempts: pe.Attempts}
	}
	if e, ok := s.queued[id]; ok {
		ahead := s.itemsAheadLocked(e)
		return &QueueStatus{
			ID:            id,
			State:         StateQueued,
			Position:      ahead,
			EstimatedWait: s.estimateWaitLocked(ahead),
			Attempts:      e.Attempts,
		}
	}
	return &QueueStatus{ID: id, State: StateAbsent}
}

// Stats summarizes the queue, globally or for one tenant.
func (s *Scheduler) Stats(tenantID string) *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{
		PerPriority:   make(map[int]int),
		MaxConcurrent: s.cfg.MaxConcurrent,
		AvgWait:       time.Duration(s.avgWaitSeconds * float64(time.Second)),
	}

	for p, bucket := range s.buckets {
		for _, e := range bucket {
			if tenantID != "" && e.TenantID != tenantID {
				continue
			}
			st.PerPriority[p]++
			st.QueueDepth++
		}
	}

	if tenantID == "" {
		st.Processing = len(s.processing)
		st.LoadPercent = 100 * float64(len(s.processing)) / float64(s.cfg.MaxConcurrent)
		st.TenantLoad = make(map[string]int, len(s.tenantProcessing))
		for t, n := range s.tenantProcessing {
			st.TenantLoad[t] = n
		}
	} else {
		st.Processing = s.tenantProcessing[tenantID]
		st.LoadPercent = 100 * float64(st.Processing) / float64(s.cfg.MaxPerTenant)
	}
	return st
}

// PruneTerminal deletes terminal rows from the durable store. Operator
// maintenance only; the in-memory state holds no terminal entries.
func (s *Scheduler) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	return s.store.PruneTerminal(ctx, olderThan)
}

// itemsAheadLocked counts entries that would be selected before e:
// strictly higher buckets plus same-bucket entries queued earlier.
func (s *Scheduler) itemsAheadLocked(e *Entry) int {
	n := 0
	for p := investigation.MaxPriority; p > e.Priority; p-- {
		n += len(s.buckets[p])
	}
	for _, other := range s.buckets[e.Priority] {
		if other.ID != e.ID && other.QueuedAt.Before(e.QueuedAt) {
			n++
		}
	}
	return n
}

func (s *Scheduler) estimateWaitLocked(itemsAhead int) time.Duration {
	return time.Duration(float64(itemsAhead) / float64(s.cfg.MaxConcurrent) * float64(s.cfg.AvgProcessingTime))
}

func (s *Scheduler) removeQueuedLocked(e *Entry) {
	bucket := s.buckets[e.Priority]
	for i, other := range bucket {
		if other.ID == e.ID {
			s.buckets[e.Priority] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(s.queued, e.ID)
	s.tenantQueued[e.TenantID]--
	if s.tenantQueued[e.TenantID] <= 0 {
		delete(s.tenantQueued, e.TenantID)
	}
}

func (s *Scheduler) updateGaugesLocked() {
	for p := investigation.MinPriority; p <= investigation.MaxPriority; p++ {
		s.metrics.QueueDepth.WithLabelValues(priorityLabel(p)).Set(float64(len(s.buckets[p])))
	}
	s.metrics.Processing.Set(float64(len(s.processing)))
}

// persist writes through to the store. Failures are logged and dropped;
// a crash may lose un-persisted transitions, which is accepted.
func (s *Scheduler) persist(ctx context.Context, rec *Record) {
	if err := s.store.Put(ctx, rec); err != nil {
		s.metrics.PersistErrors.Inc()
		s.logger.Error(ctx, err, "scheduler persistence write failed",
			"investigation_id", rec.ID,
			"status", rec.Status,
		)
	}
}
