package domain

import (
	"strconv"
	"time"
)

// ExecutionStatus is the state of a FlowExecution. Completed and failed are terminal.
type ExecutionStatus string

const (
	ExecQueued    ExecutionStatus = "queued"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no transition leaves this status.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

// FlowExecution is one run of a flow against one customer.
type FlowExecution struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	FlowVersion    int             `json:"flow_version"`
	TenantID       string          `json:"tenant_id"`
	CustomerID     string          `json:"customer_id"`
	ConversationID string          `json:"conversation_id"`
	Trigger        TriggerKind     `json:"trigger"`
	DedupeKey      string          `json:"dedupe_key,omitempty"`
	Status         ExecutionStatus `json:"status"`
	Steps          []Step          `json:"-"` // snapshot taken at first start
	CurrentStep    int             `json:"current_step"`
	NotBefore      time.Time       `json:"not_before"`
	LeaseToken     string          `json:"-"`
	LeaseExpiresAt time.Time       `json:"-"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	FailedStep     *int            `json:"failed_step,omitempty"`
	HaltReason     string          `json:"halt_reason,omitempty"`
}

// StepKey is the delivery idempotency key of one step of an execution.
func (e FlowExecution) StepKey(index int) string {
	return "exec:" + e.ID + ":" + strconv.Itoa(index)
}

// EnqueueRequest asks the store to create a queued execution if the guard
// conditions still hold at insert time.
type EnqueueRequest struct {
	Flow           FlowDefinition
	CustomerID     string
	ConversationID string
	Trigger        TriggerKind
	DedupeKey      string        // empty for repeating triggers
	Cooldown       time.Duration // zero unless the trigger repeats
	Now            time.Time
}

// AutomationState is what the executor checks before each step.
type AutomationState struct {
	FlowActive           bool
	DisableOnManualReply bool
	ConversationEnabled  bool
	ExecutionCreatedAt   time.Time
	LastManualReplyAt    *time.Time
}

// HaltReason returns why the execution must stop, or "" when it may continue.
func (a AutomationState) HaltReason() string {
	switch {
	case !a.FlowActive:
		return "flow deactivated"
	case !a.ConversationEnabled:
		return "conversation automation disabled"
	case a.DisableOnManualReply && a.LastManualReplyAt != nil && !a.LastManualReplyAt.Before(a.ExecutionCreatedAt):
		return "manual reply"
	}
	return ""
}
