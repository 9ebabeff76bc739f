package domain

import "context"

// OutboundPayload is one message sent to a customer.
type OutboundPayload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	MediaURL string      `json:"media_url,omitempty"`
	Caption  string      `json:"caption,omitempty"`
}

// OutboundBatch is an ordered set of payloads for one conversation. Senders
// must treat a repeated IdempotencyKey as already delivered.
type OutboundBatch struct {
	IdempotencyKey string            `json:"idempotency_key"`
	TenantID       string            `json:"tenant_id"`
	ConversationID string            `json:"conversation_id"`
	CustomerID     string            `json:"customer_id"`
	Payloads       []OutboundPayload `json:"payloads"`
}

// Sender delivers messages to a customer (WhatsApp Cloud API in production).
type Sender interface {
	Send(ctx context.Context, batch OutboundBatch) error
}

// Responder receives grouped customer turns (the automated agent).
type Responder interface {
	HandleTurn(ctx context.Context, turn Turn) error
}

// GenerateRequest is handed to the generator for an ai_function step.
type GenerateRequest struct {
	ExecutionID    string `json:"execution_id"`
	StepIndex      int    `json:"step_index"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
	Instruction    string `json:"instruction"`
}

// Generator produces zero or more messages for an ai_function step.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]OutboundPayload, error)
}
