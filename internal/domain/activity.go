package domain

import "time"

// CustomerActivity is the customer-level part of the activity record.
type CustomerActivity struct {
	TenantID          string     `json:"tenant_id"`
	CustomerID        string     `json:"customer_id"`
	ConversationID    string     `json:"conversation_id"` // most recent conversation
	InboundCount      int64      `json:"inbound_count"`
	FirstInboundAt    *time.Time `json:"first_inbound_at,omitempty"`
	LastInboundAt     *time.Time `json:"last_inbound_at,omitempty"`
	LastManualReplyAt *time.Time `json:"last_manual_reply_at,omitempty"`
}

// FlowActivity is the per (customer, flow) part of the activity record.
type FlowActivity struct {
	TenantID                string     `json:"tenant_id"`
	CustomerID              string     `json:"customer_id"`
	FlowID                  string     `json:"flow_id"`
	LastDispatchCompletedAt *time.Time `json:"last_dispatch_completed_at,omitempty"`
}

// ManualReply is reported by the inbox when a human agent answers a customer.
type ManualReply struct {
	TenantID       string    `json:"tenant_id"`
	CustomerID     string    `json:"customer_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	At             time.Time `json:"at"`
}
