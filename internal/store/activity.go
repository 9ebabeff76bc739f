package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"convoflow/internal/domain"
)

// CandidateQuery selects customers a flow trigger may fire for. The filters
// mirror the guards of Enqueue so a page of candidates is not filled with
// customers the insert would reject anyway.
type CandidateQuery struct {
	Flow    domain.FlowDefinition
	Trigger domain.TriggerKind

	// InactiveBefore keeps customers silent since at least this instant
	// (inactivity trigger).
	InactiveBefore time.Time

	// Lifetime excludes customers that ever had an execution for this
	// flow and trigger.
	Lifetime bool

	// CooldownCutoff, when set, excludes customers with a completion, an
	// execution or a manual reply after it.
	CooldownCutoff *time.Time

	Limit int
}

// Candidates returns the customers matching q, oldest activity first.
func (s *Store) Candidates(ctx context.Context, q CandidateQuery) ([]domain.CustomerActivity, error) {
	if q.Limit <= 0 {
		q.Limit = 200
	}
	where := `cu.tenant_id = ? AND cu.last_inbound_at IS NOT NULL`
	args := []any{q.Flow.TenantID}

	switch q.Trigger {
	case domain.TriggerFirstMessage:
		where += ` AND cu.inbound_count = 1`
	case domain.TriggerInactivity:
		where += ` AND cu.last_inbound_at <= ?`
		args = append(args, toMillis(q.InactiveBefore))
	default:
		return nil, fmt.Errorf("unknown trigger %q", q.Trigger)
	}

	if q.Flow.DisableOnManualReply {
		where += ` AND (cu.last_manual_reply_at IS NULL OR cu.last_manual_reply_at < cu.last_inbound_at)`
	}

	if q.Lifetime {
		where += ` AND NOT EXISTS (
			SELECT 1 FROM flow_executions e
			WHERE e.tenant_id = cu.tenant_id AND e.customer_id = cu.customer_id AND e.flow_id = ? AND e.trigger_kind = ?)`
	} else {
		where += ` AND NOT EXISTS (
			SELECT 1 FROM flow_executions e
			WHERE e.tenant_id = cu.tenant_id AND e.customer_id = cu.customer_id AND e.flow_id = ? AND e.trigger_kind = ?
			  AND e.status IN ('queued', 'running'))`
	}
	args = append(args, q.Flow.ID, string(q.Trigger))

	if q.CooldownCutoff != nil {
		cutoff := toMillis(*q.CooldownCutoff)
		where += ` AND COALESCE(cu.last_manual_reply_at, 0) <= ?
		AND NOT EXISTS (
			SELECT 1 FROM flow_activity a
			WHERE a.tenant_id = cu.tenant_id AND a.customer_id = cu.customer_id AND a.flow_id = ?
			  AND a.last_dispatch_completed_at > ?)
		AND NOT EXISTS (
			SELECT 1 FROM flow_executions e
			WHERE e.tenant_id = cu.tenant_id AND e.customer_id = cu.customer_id AND e.flow_id = ?
			  AND e.trigger_kind = ? AND e.created_at > ?)`
		args = append(args, cutoff, q.Flow.ID, cutoff, q.Flow.ID, string(q.Trigger), cutoff)
	}

	args = append(args, q.Limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT cu.tenant_id, cu.customer_id, cu.last_conversation_id, cu.inbound_count,
		        cu.first_inbound_at, cu.last_inbound_at, cu.last_manual_reply_at
		 FROM customers cu WHERE `+where+`
		 ORDER BY cu.last_inbound_at ASC, cu.customer_id ASC LIMIT ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query candidates for %s: %w", q.Flow.ID, err)
	}
	defer rows.Close()

	var out []domain.CustomerActivity
	for rows.Next() {
		a, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RecordManualReply stamps a human agent answer on the customer.
func (s *Store) RecordManualReply(ctx context.Context, r domain.ManualReply) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (tenant_id, customer_id, last_conversation_id, inbound_count, last_manual_reply_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(tenant_id, customer_id) DO UPDATE SET
		   last_manual_reply_at = MAX(COALESCE(last_manual_reply_at, 0), excluded.last_manual_reply_at)`,
		r.TenantID, r.CustomerID, r.ConversationID, toMillis(r.At),
	)
	if err != nil {
		return fmt.Errorf("record manual reply: %w", err)
	}
	return nil
}

// SetConversationAutomation switches automated flows on or off for one conversation.
func (s *Store) SetConversationAutomation(ctx context.Context, conversationID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET automation_enabled = ? WHERE id = ?`, boolInt(enabled), conversationID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetCustomerActivity loads the customer-level activity record.
func (s *Store) GetCustomerActivity(ctx context.Context, tenantID, customerID string) (*domain.CustomerActivity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, customer_id, last_conversation_id, inbound_count,
		        first_inbound_at, last_inbound_at, last_manual_reply_at
		 FROM customers WHERE tenant_id = ? AND customer_id = ?`, tenantID, customerID,
	)
	a, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// GetFlowActivity loads the per-flow activity record.
func (s *Store) GetFlowActivity(ctx context.Context, tenantID, customerID, flowID string) (*domain.FlowActivity, error) {
	var completed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_dispatch_completed_at FROM flow_activity WHERE tenant_id = ? AND customer_id = ? AND flow_id = ?`,
		tenantID, customerID, flowID,
	).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t := fromMillis(completed)
	return &domain.FlowActivity{TenantID: tenantID, CustomerID: customerID, FlowID: flowID, LastDispatchCompletedAt: &t}, nil
}

func scanCustomer(row rowScanner) (*domain.CustomerActivity, error) {
	var a domain.CustomerActivity
	var first, last, manual sql.NullInt64
	if err := row.Scan(&a.TenantID, &a.CustomerID, &a.ConversationID, &a.InboundCount, &first, &last, &manual); err != nil {
		return nil, err
	}
	a.FirstInboundAt = timePtr(first)
	a.LastInboundAt = timePtr(last)
	a.LastManualReplyAt = timePtr(manual)
	return &a, nil
}
