// Package grouping coalesces rapid-fire customer messages into turns. Every
// message is persisted and attached to the conversation's accepting group in
// one store transaction; deciding when a group is ready is left to the
// dispatcher.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"convoflow/internal/bus"
	"convoflow/internal/domain"
	"convoflow/internal/metrics"
)

// ErrInvalidMessage is returned for requests missing a routing field.
var ErrInvalidMessage = errors.New("invalid inbound message")

// Store is the persistence the buffer needs.
type Store interface {
	Ingest(ctx context.Context, req domain.IngestRequest, now time.Time) (domain.GroupAssignment, error)
}

// Config configures a Buffer.
type Config struct {
	Store  Store
	Events bus.Publisher
	Logger *slog.Logger
	Now    func() time.Time
}

// Buffer is the entry point for inbound messages.
type Buffer struct {
	store  Store
	events bus.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Buffer.
func New(cfg Config) *Buffer {
	b := &Buffer{store: cfg.Store, events: cfg.Events, logger: cfg.Logger, now: cfg.Now}
	if b.events == nil {
		b.events = bus.Nop{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Ingest stores msg and attaches it to a group. A message whose provider id
// was already seen is acknowledged with Duplicate set and nothing is written.
func (b *Buffer) Ingest(ctx context.Context, req domain.IngestRequest) (domain.GroupAssignment, error) {
	if err := validate(req); err != nil {
		return domain.GroupAssignment{}, err
	}

	a, err := b.store.Ingest(ctx, req, b.now().UTC())
	if err != nil {
		return domain.GroupAssignment{}, fmt.Errorf("ingest %s: %w", req.ProviderMessageID, err)
	}

	switch {
	case a.Duplicate:
		metrics.MessagesIngested.WithLabelValues("duplicate").Inc()
		b.logger.Debug("duplicate message ignored", "provider_id", req.ProviderMessageID, "conversation", req.ConversationID)
		b.events.Emit(bus.Event{
			Type:   bus.EventMessageDuplicate,
			Source: "grouping",
			Key:    req.ConversationID,
			Payload: map[string]any{
				"provider_message_id": req.ProviderMessageID,
			},
		})
		return a, nil
	case a.NewGroup:
		metrics.MessagesIngested.WithLabelValues("new_group").Inc()
	default:
		metrics.MessagesIngested.WithLabelValues("joined").Inc()
	}

	b.logger.Debug("message grouped",
		"conversation", req.ConversationID,
		"seq", a.Seq,
		"group", a.GroupID,
		"new_group", a.NewGroup,
	)
	b.events.Emit(bus.Event{
		Type:   bus.EventMessageIngested,
		Source: "grouping",
		Key:    req.ConversationID,
		Payload: map[string]any{
			"tenant_id":   req.TenantID,
			"customer_id": req.CustomerID,
			"group_id":    a.GroupID,
			"seq":         a.Seq,
			"new_group":   a.NewGroup,
			"kind":        string(req.Payload.Kind),
		},
	})
	return a, nil
}

func validate(req domain.IngestRequest) error {
	var missing []string
	if req.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if req.ConversationID == "" {
		missing = append(missing, "conversation_id")
	}
	if req.CustomerID == "" {
		missing = append(missing, "customer_id")
	}
	if req.ProviderMessageID == "" {
		missing = append(missing, "provider_message_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	if req.Payload.Kind == "" {
		return fmt.Errorf("%w: missing payload kind", ErrInvalidMessage)
	}
	return nil
}
