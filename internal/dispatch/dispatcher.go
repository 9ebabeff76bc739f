// Package dispatch hands ready message groups to the responder. Groups are
// claimed under a lease by a conditional update, delivered once per group id
// through the delivery ledger, and acknowledged with the same lease token, so
// any number of dispatchers can poll the same store.
package dispatch

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
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	ReadyGroupIDs(ctx context.Context, now time.Time, defaultBufferSeconds, limit int) ([]string, error)
	ClaimGroup(ctx context.Context, groupID, leaseToken string, now time.Time, defaultBufferSeconds int) (bool, error)
	GetGroup(ctx context.Context, groupID string) (*domain.MessageGroup, error)
	GroupMessages(ctx context.Context, groupID string) ([]domain.InboundMessage, error)
	AckGroup(ctx context.Context, groupID, leaseToken string, now time.Time) error
	RecordGroupFailure(ctx context.Context, groupID, leaseToken, errMsg string, maxAttempts int) (domain.GroupState, error)
	ReleaseExpiredGroups(ctx context.Context, now time.Time, leaseTimeout time.Duration, maxAttempts int) (int64, int64, error)
}

// Config configures a Dispatcher.
type Config struct {
	Store     Store
	Responder domain.Responder
	Deliverer *delivery.Deliverer
	Events    bus.Publisher
	Logger    *slog.Logger
	Now       func() time.Time

	DefaultBufferSeconds int           // tenants without a row
	LeaseTimeout         time.Duration // claimed groups older than this are released
	PollInterval         time.Duration
	BatchSize            int // groups claimed per poll
	Workers              int // concurrent deliveries
	MaxAttempts          int // claims before a group is failed
}

// Dispatcher polls ready groups and delivers them.
type Dispatcher struct {
	cfg      Config
	store    Store
	events   bus.Publisher
	logger   *slog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Dispatcher, filling unset numeric fields with defaults.
func New(cfg Config) *Dispatcher {
	if cfg.DefaultBufferSeconds < 0 {
		cfg.DefaultBufferSeconds = 0
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	d := &Dispatcher{
		cfg:    cfg,
		store:  cfg.Store,
		events: cfg.Events,
		logger: cfg.Logger,
		now:    cfg.Now,
		stopCh: make(chan struct{}),
	}
	if d.events == nil {
		d.events = bus.Nop{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// ReleaseExpired returns abandoned claims to open, or fails them once their
// attempts are used up.
func (d *Dispatcher) ReleaseExpired(ctx context.Context, now time.Time) error {
	released, failed, err := d.store.ReleaseExpiredGroups(ctx, now, d.cfg.LeaseTimeout, d.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if released > 0 {
		metrics.GroupsReleased.Add(float64(released))
		d.logger.Info("released expired group leases", "count", released)
	}
	if failed > 0 {
		metrics.GroupFailures.WithLabelValues("failed").Add(float64(failed))
		d.logger.Warn("groups failed after lease expiry", "count", failed)
	}
	return nil
}

// PollReadyGroups claims every group whose idle window has elapsed at now.
// Groups another worker claimed first are skipped.
func (d *Dispatcher) PollReadyGroups(ctx context.Context, now time.Time) ([]domain.ClaimedGroup, error) {
	ids, err := d.store.ReadyGroupIDs(ctx, now, d.cfg.DefaultBufferSeconds, d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list ready groups: %w", err)
	}

	var claimed []domain.ClaimedGroup
	for _, id := range ids {
		token := uuid.NewString()
		ok, err := d.store.ClaimGroup(ctx, id, token, now, d.cfg.DefaultBufferSeconds)
		if err != nil {
			return claimed, err
		}
		if !ok {
			metrics.ClaimConflicts.Inc()
			continue
		}
		metrics.GroupsClaimed.Inc()

		g, err := d.store.GetGroup(ctx, id)
		if err != nil {
			return claimed, err
		}
		msgs, err := d.store.GroupMessages(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, domain.ClaimedGroup{Group: *g, LeaseToken: token, Messages: msgs})
		d.events.Emit(bus.Event{
			Type:    bus.EventGroupClaimed,
			Source:  "dispatch",
			Key:     g.ConversationID,
			Payload: map[string]any{"group_id": id, "attempt": g.Attempts, "members": len(msgs)},
		})
	}
	return claimed, nil
}

// TurnKey is the idempotency key of a group's delivery.
func TurnKey(groupID string) string {
	return "group:" + groupID
}

// DeliverAndAck hands a claimed group to the responder and marks it
// dispatched. An already dispatched group is a no-op; a group whose lease
// was taken over returns domain.ErrLeaseLost without delivering.
func (d *Dispatcher) DeliverAndAck(ctx context.Context, cg domain.ClaimedGroup) error {
	g, err := d.store.GetGroup(ctx, cg.Group.ID)
	if err != nil {
		return err
	}
	if g.State == domain.GroupDispatched {
		return nil
	}
	if g.State != domain.GroupClaimed || g.LeaseToken != cg.LeaseToken {
		return domain.ErrLeaseLost
	}

	msgs := cg.Messages
	if len(msgs) == 0 {
		if msgs, err = d.store.GroupMessages(ctx, g.ID); err != nil {
			return err
		}
	}
	turn := domain.Turn{
		IdempotencyKey: TurnKey(g.ID),
		GroupID:        g.ID,
		TenantID:       g.TenantID,
		ConversationID: g.ConversationID,
		CustomerID:     g.CustomerID,
		Messages:       msgs,
	}

	_, err = d.cfg.Deliverer.Once(ctx,
		delivery.Request{Key: turn.IdempotencyKey, Scope: "group", Target: "responder"},
		func(ctx context.Context) error { return d.cfg.Responder.HandleTurn(ctx, turn) },
	)
	if err != nil {
		return d.recordFailure(ctx, g, cg.LeaseToken, err)
	}

	now := d.now().UTC()
	if err := d.store.AckGroup(ctx, g.ID, cg.LeaseToken, now); err != nil {
		return fmt.Errorf("ack group %s: %w", g.ID, err)
	}
	metrics.GroupsDispatched.Inc()
	metrics.TurnLatency.Observe(now.Sub(g.LastMemberAt).Seconds())
	d.logger.Info("group dispatched",
		"group", g.ID,
		"conversation", g.ConversationID,
		"members", len(msgs),
		"attempt", g.Attempts,
	)
	d.events.Emit(bus.Event{
		Type:   bus.EventGroupDispatched,
		Source: "dispatch",
		Key:    g.ConversationID,
		Payload: map[string]any{
			"group_id":    g.ID,
			"tenant_id":   g.TenantID,
			"customer_id": g.CustomerID,
			"members":     len(msgs),
		},
	})
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, g *domain.MessageGroup, token string, cause error) error {
	maxAttempts := d.cfg.MaxAttempts
	if delivery.IsPermanent(cause) {
		// Retrying cannot help: fail on this attempt.
		maxAttempts = g.Attempts
	}
	state, err := d.store.RecordGroupFailure(ctx, g.ID, token, cause.Error(), maxAttempts)
	if err != nil {
		return errors.Join(cause, err)
	}

	outcome, event := "retry", bus.EventGroupRetry
	if state == domain.GroupFailed {
		outcome, event = "failed", bus.EventGroupFailed
		d.logger.Error("group delivery failed permanently", "group", g.ID, "conversation", g.ConversationID, "attempts", g.Attempts, "err", cause)
	} else {
		d.logger.Warn("group delivery failed, retrying after lease expiry", "group", g.ID, "attempt", g.Attempts, "err", cause)
	}
	metrics.GroupFailures.WithLabelValues(outcome).Inc()
	d.events.Emit(bus.Event{
		Type:    event,
		Source:  "dispatch",
		Key:     g.ConversationID,
		Payload: map[string]any{"group_id": g.ID, "attempt": g.Attempts, "error": cause.Error()},
	})
	return cause
}

// Tick runs one release-poll-deliver cycle. Deliveries run concurrently up
// to the configured worker count; their errors are logged, not returned.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now().UTC()
	if err := d.ReleaseExpired(ctx, now); err != nil {
		return fmt.Errorf("release expired: %w", err)
	}
	claimed, err := d.PollReadyGroups(ctx, now)
	if err != nil && len(claimed) == 0 {
		return err
	}
	if err != nil {
		d.workerError("poll", err)
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, cg := range claimed {
		g.Go(func() error {
			if err := d.DeliverAndAck(ctx, cg); err != nil {
				d.workerError("deliver", err, "group", cg.Group.ID)
			}
			return nil
		})
	}
	return g.Wait()
}

// Start runs Tick every PollInterval until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started",
		"interval", d.cfg.PollInterval,
		"workers", d.cfg.Workers,
		"lease_timeout", d.cfg.LeaseTimeout,
	)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
				d.workerError("tick", err)
			}
		}
	}
}

// Stop halts the dispatcher loop. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

func (d *Dispatcher) workerError(stage string, err error, attrs ...any) {
	metrics.WorkerErrors.WithLabelValues("dispatch").Inc()
	d.logger.Error("dispatcher error", append([]any{"stage", stage, "err", err}, attrs...)...)
	d.events.Emit(bus.Event{
		Type:    bus.EventWorkerError,
		Source:  "dispatch",
		Payload: map[string]any{"stage": stage, "error": err.Error()},
	})
}
