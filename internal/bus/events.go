// Package bus carries pipeline events (ingestion, dispatch, executions)
// between components in process, and optionally mirrors them to Kafka.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event represents a pipeline event for internal pub/sub.
type Event struct {
	Type      string         `json:"type"`   // e.g. "group.dispatched", "execution.completed"
	Source    string         `json:"source"` // originating component
	Key       string         `json:"key"`    // partition key: conversation or customer id
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Publisher is what pipeline components need from the bus.
type Publisher interface {
	Emit(event Event)
}

// EventBus provides a topic-based publish/subscribe event system.
// It supports wildcard subscriptions and a bounded history for replay.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     atomic.Int64
}

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a new EventBus keeping the last maxHistory events
// (1000 when maxHistory <= 0).
func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	id := eventType + "-" + strconv.FormatInt(eb.nextID.Add(1), 10)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in order; a panicking handler is logged
// and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events matching the given type since the given time.
// Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Nop discards events. Components fall back to it when no bus is configured.
type Nop struct{}

func (Nop) Emit(Event) {}

// --- Well-known event types ---
const (
	EventMessageIngested    = "message.ingested"
	EventMessageDuplicate   = "message.duplicate"
	EventGroupClaimed       = "group.claimed"
	EventGroupDispatched    = "group.dispatched"
	EventGroupRetry         = "group.retry"
	EventGroupFailed        = "group.failed"
	EventExecutionEnqueued  = "execution.enqueued"
	EventExecutionStep      = "execution.step"
	EventExecutionParked    = "execution.parked"
	EventExecutionCompleted = "execution.completed"
	EventExecutionHalted    = "execution.halted"
	EventExecutionFailed    = "execution.failed"
	EventManualReply        = "activity.manual_reply"
	EventWebhookReceived    = "webhook.received"
	EventWorkerError        = "worker.error"
)
