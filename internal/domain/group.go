package domain

import "time"

// GroupState is the dispatch state of a MessageGroup.
type GroupState string

const (
	GroupOpen       GroupState = "open"
	GroupClaimed    GroupState = "claimed"
	GroupDispatched GroupState = "dispatched"
	GroupFailed     GroupState = "failed" // attempts exhausted, needs manual inspection
)

// MessageGroup coalesces messages of one conversation into a single turn.
//
// A conversation has at most one group that still accepts members (open and
// not sealed). Claiming a group seals it; a released group stays sealed, so a
// message arriving during or after a claim always starts a new group.
type MessageGroup struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	ConversationID string     `json:"conversation_id"`
	CustomerID     string     `json:"customer_id"`
	FirstSeq       int64      `json:"first_seq"`
	LastSeq        int64      `json:"last_seq"`
	MemberCount    int        `json:"member_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastMemberAt   time.Time  `json:"last_member_at"`
	State          GroupState `json:"state"`
	Sealed         bool       `json:"sealed"`
	LeaseToken     string     `json:"-"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	DispatchedAt   *time.Time `json:"dispatched_at,omitempty"`
}

// ClaimedGroup is a group held under a dispatcher lease together with its
// members in sequence order.
type ClaimedGroup struct {
	Group      MessageGroup
	LeaseToken string
	Messages   []InboundMessage
}

// Turn is one logical customer turn handed to the responder.
type Turn struct {
	IdempotencyKey string           `json:"idempotency_key"`
	GroupID        string           `json:"group_id"`
	TenantID       string           `json:"tenant_id"`
	ConversationID string           `json:"conversation_id"`
	CustomerID     string           `json:"customer_id"`
	Messages       []InboundMessage `json:"messages"`
}

// Tenant carries the per-tenant settings the pipeline re-reads on every sweep.
type Tenant struct {
	ID            string    `json:"id"`
	BufferSeconds int       `json:"buffer_seconds"`
	UpdatedAt     time.Time `json:"updated_at"`
}
