// Package scheduler decides, on every tick, which customers a flow fires for
// and enqueues executions. Every guard (lifetime dedupe, pending execution,
// repeat cooldown) is re-checked by the insert itself, so overlapping sweeps
// in one or many processes never create duplicates.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"convoflow/internal/bus"
	"convoflow/internal/domain"
	"convoflow/internal/metrics"
	"convoflow/internal/store"
)

// Store is the persistence the scheduler needs.
type Store interface {
	Candidates(ctx context.Context, q store.CandidateQuery) ([]domain.CustomerActivity, error)
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, bool, error)
}

// Catalog lists the flows to evaluate.
type Catalog interface {
	Active(ctx context.Context) ([]domain.FlowDefinition, error)
}

// Config configures a Scheduler.
type Config struct {
	Store   Store
	Catalog Catalog
	Events  bus.Publisher
	Logger  *slog.Logger
	Now     func() time.Time

	Interval  time.Duration
	BatchSize int // candidates per query
	MaxPages  int // queries per flow and trigger per sweep
}

// Scheduler runs trigger sweeps.
type Scheduler struct {
	cfg      Config
	events   bus.Publisher
	logger   *slog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	s := &Scheduler{cfg: cfg, events: cfg.Events, logger: cfg.Logger, now: cfg.Now, stopCh: make(chan struct{})}
	if s.events == nil {
		s.events = bus.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Flows      int `json:"flows"`
	Candidates int `json:"candidates"`
	Enqueued   int `json:"enqueued"`
	Errors     int `json:"errors"`
}

// FirstMessageKey is the dedupe key making the first_message trigger fire at
// most once per customer and flow.
func FirstMessageKey(tenantID, customerID, flowID string) string {
	return "first_message:" + tenantID + ":" + customerID + ":" + flowID
}

// InactivityKey is the dedupe key of a non-repeating inactivity trigger.
func InactivityKey(tenantID, customerID, flowID string) string {
	return "inactivity:" + tenantID + ":" + customerID + ":" + flowID
}

// Sweep evaluates every active flow at now. Errors for one customer or flow
// are logged and counted; the sweep continues with the rest.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	flows, err := s.cfg.Catalog.Active(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load active flows: %w", err)
	}

	var res SweepResult
	for _, f := range flows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Flows++
		if f.Trigger.OnFirstMessage {
			s.fire(ctx, &res, f, store.CandidateQuery{
				Flow:     f,
				Trigger:  domain.TriggerFirstMessage,
				Lifetime: true,
			}, now)
		}
		if in := f.Trigger.OnInactivity; in != nil {
			q := store.CandidateQuery{
				Flow:           f,
				Trigger:        domain.TriggerInactivity,
				InactiveBefore: now.Add(-in.Threshold()),
			}
			if in.Repeat {
				cutoff := now.Add(-in.Cooldown())
				q.CooldownCutoff = &cutoff
			} else {
				q.Lifetime = true
			}
			s.fire(ctx, &res, f, q, now)
		}
	}

	if res.Enqueued > 0 || res.Errors > 0 {
		s.logger.Info("trigger sweep finished",
			"flows", res.Flows,
			"candidates", res.Candidates,
			"enqueued", res.Enqueued,
			"errors", res.Errors,
		)
	}
	return res, nil
}

func (s *Scheduler) fire(ctx context.Context, res *SweepResult, f domain.FlowDefinition, q store.CandidateQuery, now time.Time) {
	q.Limit = s.cfg.BatchSize
	for page := 0; page < s.cfg.MaxPages; page++ {
		customers, err := s.cfg.Store.Candidates(ctx, q)
		if err != nil {
			res.Errors++
			s.workerError(err, "flow", f.ID, "trigger", q.Trigger)
			return
		}
		res.Candidates += len(customers)

		created := 0
		for _, c := range customers {
			ok, err := s.enqueue(ctx, f, q, c, now)
			if err != nil {
				res.Errors++
				s.workerError(err, "flow", f.ID, "customer", c.CustomerID)
				continue
			}
			if ok {
				created++
			}
		}
		res.Enqueued += created

		// Enqueued customers drop out of the next query; stop when a page
		// made no progress or was not full.
		if len(customers) < q.Limit || created == 0 {
			return
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, f domain.FlowDefinition, q store.CandidateQuery, c domain.CustomerActivity, now time.Time) (bool, error) {
	req := domain.EnqueueRequest{
		Flow:           f,
		CustomerID:     c.CustomerID,
		ConversationID: c.ConversationID,
		Trigger:        q.Trigger,
		Now:            now,
	}
	switch {
	case q.Trigger == domain.TriggerFirstMessage:
		req.DedupeKey = FirstMessageKey(f.TenantID, c.CustomerID, f.ID)
	case q.Lifetime:
		req.DedupeKey = InactivityKey(f.TenantID, c.CustomerID, f.ID)
	default:
		req.Cooldown = f.Trigger.OnInactivity.Cooldown()
	}

	id, created, err := s.cfg.Store.Enqueue(ctx, req)
	if err != nil || !created {
		return false, err
	}

	metrics.ExecutionsEnqueued.WithLabelValues(string(q.Trigger)).Inc()
	s.logger.Info("flow execution enqueued",
		"execution", id,
		"flow", f.ID,
		"tenant", f.TenantID,
		"customer", c.CustomerID,
		"trigger", q.Trigger,
	)
	s.events.Emit(bus.Event{
		Type:   bus.EventExecutionEnqueued,
		Source: "scheduler",
		Key:    c.CustomerID,
		Payload: map[string]any{
			"execution_id": id,
			"flow_id":      f.ID,
			"tenant_id":    f.TenantID,
			"trigger":      string(q.Trigger),
		},
	})
	return true, nil
}

// Start sweeps every Interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("trigger scheduler started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("trigger scheduler stopping")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now().UTC()); err != nil && ctx.Err() == nil {
				s.workerError(err)
			}
		}
	}
}

// Stop halts the scheduler loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Scheduler) workerError(err error, attrs ...any) {
	metrics.WorkerErrors.WithLabelValues("scheduler").Inc()
	s.logger.Error("scheduler error", append([]any{"err", err}, attrs...)...)
}
