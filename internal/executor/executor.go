// Package executor runs flow executions step by step. An execution is only
// touched under a lease taken by a conditional update; delays park the
// execution in the store instead of holding a goroutine, and every content
// step is delivered through the ledger under exec:<id>:<step>, so a crash at
// any point resumes without sending a step twice.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"convoflow/internal/bus"
	"convoflow/internal/delivery"
	"convoflow/internal/domain"
	"convoflow/internal/metrics"

	"github.com/google/uuid"
)

// Store is the persistence the executor needs.
type Store interface {
	ClaimableExecutionIDs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]string, error)
	ClaimExecution(ctx context.Context, id, leaseToken string, now, leaseUntil time.Time, maxAttempts int) (*domain.FlowExecution, error)
	AdvanceStep(ctx context.Context, id, leaseToken string, from, to int, leaseUntil time.Time) error
	ParkExecution(ctx context.Context, id, leaseToken string, from, to int, notBefore time.Time) error
	ReleaseExecution(ctx context.Context, id, leaseToken string) error
	CompleteExecution(ctx context.Context, id, leaseToken string, now time.Time, haltReason string) error
	FailExecution(ctx context.Context, id, leaseToken string, step int, errMsg string, now time.Time) error
	FailExhaustedExecutions(ctx context.Context, now time.Time, maxAttempts int) (int64, error)
	AutomationState(ctx context.Context, executionID string) (domain.AutomationState, error)
}

// Config configures an Executor.
type Config struct {
	Store     Store
	Sender    domain.Sender
	Generator domain.Generator // optional; ai_function steps fail without it
	Deliverer *delivery.Deliverer
	Events    bus.Publisher
	Logger    *slog.Logger
	Now       func() time.Time

	Interval      time.Duration
	LeaseTimeout  time.Duration // renewed after every step
	MaxConcurrent int           // executions running at once
	MaxAttempts   int           // claims without progress before failing
}

// Executor claims due executions and runs them.
type Executor struct {
	cfg    Config
	store  Store
	events bus.Publisher
	logger *slog.Logger
	now    func() time.Time

	sem      chan struct{}
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an Executor, filling unset numeric fields with defaults.
func New(cfg Config) *Executor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	e := &Executor{
		cfg:    cfg,
		store:  cfg.Store,
		events: cfg.Events,
		logger: cfg.Logger,
		now:    cfg.Now,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		stopCh: make(chan struct{}),
	}
	if e.events == nil {
		e.events = bus.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ClaimDue fails executions that kept losing their lease, then claims up to
// limit due executions. Executions another worker claimed first are skipped.
func (e *Executor) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.FlowExecution, error) {
	failed, err := e.store.FailExhaustedExecutions(ctx, now, e.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if failed > 0 {
		metrics.ExecutionsFinished.WithLabelValues("failed").Add(float64(failed))
		e.logger.Warn("executions failed after repeated lease expiry", "count", failed)
	}

	ids, err := e.store.ClaimableExecutionIDs(ctx, now, e.cfg.MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list due executions: %w", err)
	}
	var claimed []*domain.FlowExecution
	for _, id := range ids {
		x, err := e.store.ClaimExecution(ctx, id, uuid.NewString(), now, now.Add(e.cfg.LeaseTimeout), e.cfg.MaxAttempts)
		if err != nil {
			return claimed, err
		}
		if x != nil {
			claimed = append(claimed, x)
		}
	}
	return claimed, nil
}

// Run executes x from its current step until it completes, fails, halts or
// parks on a delay. x must have been returned by ClaimDue.
//
// Cancelling ctx stops the run between steps and releases the lease; a step
// already being delivered is finished first.
func (e *Executor) Run(ctx context.Context, x *domain.FlowExecution) error {
	log := e.logger.With("execution", x.ID, "flow", x.FlowID, "customer", x.CustomerID)

	if x.Steps == nil {
		return e.fail(x, x.CurrentStep, errors.New("flow definition missing, no step snapshot"), log)
	}

	for i := x.CurrentStep; i < len(x.Steps); i++ {
		if ctx.Err() != nil {
			if err := e.store.ReleaseExecution(context.WithoutCancel(ctx), x.ID, x.LeaseToken); err != nil {
				log.Warn("release on shutdown failed", "err", err)
			}
			return ctx.Err()
		}

		gate, err := e.store.AutomationState(ctx, x.ID)
		if err != nil {
			return fmt.Errorf("automation state: %w", err)
		}
		if reason := gate.HaltReason(); reason != "" {
			return e.halt(x, i, reason, log)
		}

		step := x.Steps[i]
		if d, ok := step.(domain.DelayStep); ok {
			notBefore := e.now().UTC().Add(d.Duration)
			if err := e.store.ParkExecution(ctx, x.ID, x.LeaseToken, i, i+1, notBefore); err != nil {
				return fmt.Errorf("park at step %d: %w", i, err)
			}
			metrics.StepsRun.WithLabelValues(string(domain.StepDelay)).Inc()
			log.Debug("execution parked", "step", i, "until", notBefore)
			e.emit(bus.EventExecutionParked, x, map[string]any{"step": i, "not_before": notBefore})
			return nil
		}

		// Deliveries are not interrupted by shutdown.
		if err := e.deliverStep(context.WithoutCancel(ctx), x, i, step); err != nil {
			return e.fail(x, i, err, log)
		}
		metrics.StepsRun.WithLabelValues(string(step.Kind())).Inc()
		e.emit(bus.EventExecutionStep, x, map[string]any{"step": i, "kind": string(step.Kind())})

		leaseUntil := e.now().UTC().Add(e.cfg.LeaseTimeout)
		if err := e.store.AdvanceStep(ctx, x.ID, x.LeaseToken, i, i+1, leaseUntil); err != nil {
			return fmt.Errorf("advance past step %d: %w", i, err)
		}
	}

	if err := e.store.CompleteExecution(ctx, x.ID, x.LeaseToken, e.now().UTC(), ""); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	metrics.ExecutionsFinished.WithLabelValues("completed").Inc()
	log.Info("flow execution completed", "steps", len(x.Steps))
	e.emit(bus.EventExecutionCompleted, x, map[string]any{"steps": len(x.Steps)})
	return nil
}

// deliverStep sends one content or ai_function step under its ledger key.
func (e *Executor) deliverStep(ctx context.Context, x *domain.FlowExecution, i int, step domain.Step) error {
	key := x.StepKey(i)
	target := "sender"

	var payloads []domain.OutboundPayload
	generated := false
	if ai, ok := step.(domain.AIFunctionStep); ok {
		if e.cfg.Generator == nil {
			return fmt.Errorf("%w: no generator configured for ai_function step", domain.ErrPermanent)
		}
		target = "generator"
		req := domain.GenerateRequest{
			ExecutionID:    x.ID,
			StepIndex:      i,
			TenantID:       x.TenantID,
			ConversationID: x.ConversationID,
			CustomerID:     x.CustomerID,
			Instruction:    ai.Instruction,
		}
		_, err := e.cfg.Deliverer.Once(ctx, delivery.Request{Key: key, Scope: "execution", Target: target},
			func(ctx context.Context) error {
				// Generate once; later retries only resend.
				if !generated {
					out, err := e.cfg.Generator.Generate(ctx, req)
					if err != nil {
						return err
					}
					payloads, generated = out, true
				}
				return e.send(ctx, x, key, payloads)
			})
		return err
	}

	payloads = Payloads(step)
	_, err := e.cfg.Deliverer.Once(ctx, delivery.Request{Key: key, Scope: "execution", Target: target},
		func(ctx context.Context) error { return e.send(ctx, x, key, payloads) })
	return err
}

func (e *Executor) send(ctx context.Context, x *domain.FlowExecution, key string, payloads []domain.OutboundPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	return e.cfg.Sender.Send(ctx, domain.OutboundBatch{
		IdempotencyKey: key,
		TenantID:       x.TenantID,
		ConversationID: x.ConversationID,
		CustomerID:     x.CustomerID,
		Payloads:       payloads,
	})
}

// Payloads converts a content step into outbound messages. Media steps send
// one message per URL with the caption on the first one.
func Payloads(step domain.Step) []domain.OutboundPayload {
	switch s := step.(type) {
	case domain.TextStep:
		return []domain.OutboundPayload{{Kind: domain.PayloadText, Text: s.Text}}
	case domain.MediaStep:
		kind := domain.PayloadKind(s.Media)
		out := make([]domain.OutboundPayload, 0, len(s.URLs))
		for i, u := range s.URLs {
			p := domain.OutboundPayload{Kind: kind, MediaURL: u}
			if i == 0 {
				p.Caption = s.Caption
			}
			out = append(out, p)
		}
		return out
	}
	return nil
}

func (e *Executor) halt(x *domain.FlowExecution, step int, reason string, log *slog.Logger) error {
	if err := e.store.CompleteExecution(context.Background(), x.ID, x.LeaseToken, e.now().UTC(), reason); err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	metrics.ExecutionsFinished.WithLabelValues("halted").Inc()
	log.Info("flow execution halted", "step", step, "reason", reason)
	e.emit(bus.EventExecutionHalted, x, map[string]any{"step": step, "reason": reason})
	return nil
}

func (e *Executor) fail(x *domain.FlowExecution, step int, cause error, log *slog.Logger) error {
	if err := e.store.FailExecution(context.Background(), x.ID, x.LeaseToken, step, cause.Error(), e.now().UTC()); err != nil {
		return errors.Join(cause, err)
	}
	metrics.ExecutionsFinished.WithLabelValues("failed").Inc()
	log.Error("flow execution failed", "step", step, "err", cause)
	e.emit(bus.EventExecutionFailed, x, map[string]any{"step": step, "error": cause.Error()})
	return cause
}

func (e *Executor) emit(typ string, x *domain.FlowExecution, payload map[string]any) {
	payload["execution_id"] = x.ID
	payload["flow_id"] = x.FlowID
	payload["tenant_id"] = x.TenantID
	e.events.Emit(bus.Event{Type: typ, Source: "executor", Key: x.CustomerID, Payload: payload})
}

// Tick claims as many due executions as there are free slots and starts
// each in its own goroutine.
func (e *Executor) Tick(ctx context.Context) error {
	free := cap(e.sem) - len(e.sem)
	if free <= 0 {
		return nil
	}
	claimed, err := e.ClaimDue(ctx, e.now().UTC(), free)
	if err != nil && len(claimed) == 0 {
		return err
	}
	if err != nil {
		e.workerError(err)
	}
	for _, x := range claimed {
		e.sem <- struct{}{}
		e.wg.Add(1)
		go func() {
			defer func() {
				<-e.sem
				e.wg.Done()
			}()
			if err := e.Run(ctx, x); err != nil && !errors.Is(err, context.Canceled) {
				e.workerError(err, "execution", x.ID)
			}
		}()
	}
	return nil
}

// Wait blocks until every running execution has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Start runs Tick every Interval until ctx is done or Stop is called, then
// waits for running executions.
func (e *Executor) Start(ctx context.Context) {
	e.logger.Info("flow executor started",
		"interval", e.cfg.Interval,
		"max_concurrent", e.cfg.MaxConcurrent,
		"lease_timeout", e.cfg.LeaseTimeout,
	)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	defer e.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("flow executor stopping")
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
				e.workerError(err)
			}
		}
	}
}

// Stop halts the executor loop. Safe to call multiple times.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

func (e *Executor) workerError(err error, attrs ...any) {
	metrics.WorkerErrors.WithLabelValues("executor").Inc()
	e.logger.Error("executor error", append([]any{"err", err}, attrs...)...)
	e.events.Emit(bus.Event{
		Type:    bus.EventWorkerError,
		Source:  "executor",
		Payload: map[string]any{"error": err.Error()},
	})
}
