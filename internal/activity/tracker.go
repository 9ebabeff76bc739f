// Package activity exposes the per-customer activity record the trigger
// scheduler reads: last inbound message (written at ingestion), last flow
// completion (written by the executor) and manual agent replies.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"convoflow/internal/bus"
	"convoflow/internal/domain"
)

// ErrInvalidReply is returned for manual replies without tenant or customer.
var ErrInvalidReply = errors.New("invalid manual reply")

// Store is the persistence the tracker needs.
type Store interface {
	RecordManualReply(ctx context.Context, r domain.ManualReply) error
	SetConversationAutomation(ctx context.Context, conversationID string, enabled bool) error
	GetCustomerActivity(ctx context.Context, tenantID, customerID string) (*domain.CustomerActivity, error)
	GetFlowActivity(ctx context.Context, tenantID, customerID, flowID string) (*domain.FlowActivity, error)
}

// Tracker records activity that does not come from the ingestion path.
type Tracker struct {
	store  Store
	events bus.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. events may be nil.
func NewTracker(store Store, events bus.Publisher, logger *slog.Logger) *Tracker {
	if events == nil {
		events = bus.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, events: events, logger: logger, now: time.Now}
}

// RecordManualReply notes that a human agent answered the customer. It
// restarts repeat cooldowns and, for flows with disable_on_manual_reply,
// stops pending sends to that customer.
func (t *Tracker) RecordManualReply(ctx context.Context, r domain.ManualReply) error {
	if r.TenantID == "" || r.CustomerID == "" {
		return fmt.Errorf("%w: tenant_id and customer_id are required", ErrInvalidReply)
	}
	if r.At.IsZero() {
		r.At = t.now()
	}
	r.At = r.At.UTC()
	if err := t.store.RecordManualReply(ctx, r); err != nil {
		return err
	}
	t.logger.Info("manual reply recorded", "tenant", r.TenantID, "customer", r.CustomerID)
	t.events.Emit(bus.Event{
		Type:    bus.EventManualReply,
		Source:  "activity",
		Key:     r.CustomerID,
		Payload: map[string]any{"tenant_id": r.TenantID, "conversation_id": r.ConversationID},
	})
	return nil
}

// SetAutomation turns automated flows on or off for a conversation.
func (t *Tracker) SetAutomation(ctx context.Context, conversationID string, enabled bool) error {
	if err := t.store.SetConversationAutomation(ctx, conversationID, enabled); err != nil {
		return fmt.Errorf("set automation for %s: %w", conversationID, err)
	}
	t.logger.Info("conversation automation changed", "conversation", conversationID, "enabled", enabled)
	return nil
}

// Customer returns the customer-level record.
func (t *Tracker) Customer(ctx context.Context, tenantID, customerID string) (*domain.CustomerActivity, error) {
	return t.store.GetCustomerActivity(ctx, tenantID, customerID)
}

// Flow returns the (customer, flow) record.
func (t *Tracker) Flow(ctx context.Context, tenantID, customerID, flowID string) (*domain.FlowActivity, error) {
	return t.store.GetFlowActivity(ctx, tenantID, customerID, flowID)
}
