package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"convoflow/internal/domain"

	"github.com/google/uuid"
)

const executionColumns = `id, flow_id, flow_version, tenant_id, customer_id, conversation_id, trigger_kind,
	dedupe_key, status, steps, current_step, not_before, lease_token, lease_expires_at, attempts,
	created_at, started_at, completed_at, error, failed_step, halt_reason`

// Enqueue creates a queued execution when the guard conditions hold at insert
// time. Everything is decided by one INSERT ... SELECT so concurrent sweeps
// cannot both pass the checks; the unique dedupe key and the pending index
// catch whatever slips through. created is false when a guard rejected it.
func (s *Store) Enqueue(ctx context.Context, req domain.EnqueueRequest) (id string, created bool, err error) {
	now := toMillis(req.Now)
	id = uuid.NewString()

	q := `INSERT OR IGNORE INTO flow_executions
		(id, flow_id, flow_version, tenant_id, customer_id, conversation_id, trigger_kind, dedupe_key,
		 status, current_step, not_before, lease_expires_at, attempts, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?, 0, 0, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM flow_executions
			WHERE tenant_id = ? AND customer_id = ? AND flow_id = ? AND trigger_kind = ?
			  AND status IN ('queued', 'running')
		)`
	args := []any{
		id, req.Flow.ID, req.Flow.Version, req.Flow.TenantID, req.CustomerID, req.ConversationID,
		string(req.Trigger), nullString(req.DedupeKey), now, now,
		req.Flow.TenantID, req.CustomerID, req.Flow.ID, string(req.Trigger),
	}

	if req.Cooldown > 0 {
		cutoff := toMillis(req.Now.Add(-req.Cooldown))
		q += `
		AND NOT EXISTS (
			SELECT 1 FROM flow_activity
			WHERE tenant_id = ? AND customer_id = ? AND flow_id = ? AND last_dispatch_completed_at > ?
		)
		AND NOT EXISTS (
			SELECT 1 FROM flow_executions
			WHERE tenant_id = ? AND customer_id = ? AND flow_id = ? AND trigger_kind = ? AND created_at > ?
		)
		AND NOT EXISTS (
			SELECT 1 FROM customers
			WHERE tenant_id = ? AND customer_id = ? AND last_manual_reply_at > ?
		)`
		args = append(args,
			req.Flow.TenantID, req.CustomerID, req.Flow.ID, cutoff,
			req.Flow.TenantID, req.CustomerID, req.Flow.ID, string(req.Trigger), cutoff,
			req.Flow.TenantID, req.CustomerID, cutoff,
		)
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s for %s: %w", req.Flow.ID, req.CustomerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", false, nil
	}
	return id, true, nil
}

// ClaimableExecutionIDs lists executions that are due and not under a live lease.
func (s *Store) ClaimableExecutionIDs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM flow_executions
		 WHERE status IN ('queued', 'running') AND not_before <= ? AND lease_expires_at <= ? AND attempts < ?
		 ORDER BY not_before ASC, created_at ASC LIMIT ?`,
		toMillis(now), toMillis(now), maxAttempts, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimExecution takes the lease on a due execution. On the first claim the
// flow's current steps and version are copied into the execution; later claims
// keep that snapshot. Returns nil, nil when another worker won.
func (s *Store) ClaimExecution(ctx context.Context, id, leaseToken string, now, leaseUntil time.Time, maxAttempts int) (*domain.FlowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE flow_executions
		 SET status = 'running',
		     lease_token = ?,
		     lease_expires_at = ?,
		     attempts = attempts + 1,
		     started_at = COALESCE(started_at, ?),
		     flow_version = CASE WHEN steps IS NULL
		         THEN COALESCE((SELECT f.version FROM flows f WHERE f.id = flow_executions.flow_id), flow_version)
		         ELSE flow_version END,
		     steps = COALESCE(steps, (SELECT f.steps FROM flows f WHERE f.id = flow_executions.flow_id))
		 WHERE id = ? AND status IN ('queued', 'running') AND not_before <= ? AND lease_expires_at <= ? AND attempts < ?
		 RETURNING `+executionColumns,
		leaseToken, toMillis(leaseUntil), toMillis(now), id, toMillis(now), toMillis(now), maxAttempts,
	)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim execution %s: %w", id, err)
	}
	return e, nil
}

// AdvanceStep moves a leased execution from step from to step to and renews
// the lease. Progress resets the attempt counter.
func (s *Store) AdvanceStep(ctx context.Context, id, leaseToken string, from, to int, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flow_executions SET current_step = ?, lease_expires_at = ?, attempts = 0
		 WHERE id = ? AND lease_token = ? AND status = 'running' AND current_step = ?`,
		to, toMillis(leaseUntil), id, leaseToken, from,
	)
	return leaseResult(res, err, "advance execution")
}

// ParkExecution records progress past a delay step and drops the lease until
// notBefore, so no worker holds the execution while it waits.
func (s *Store) ParkExecution(ctx context.Context, id, leaseToken string, from, to int, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flow_executions
		 SET current_step = ?, not_before = ?, lease_token = NULL, lease_expires_at = 0, attempts = 0
		 WHERE id = ? AND lease_token = ? AND status = 'running' AND current_step = ?`,
		to, toMillis(notBefore), id, leaseToken, from,
	)
	return leaseResult(res, err, "park execution")
}

// ReleaseExecution drops the lease without progress (shutdown).
func (s *Store) ReleaseExecution(ctx context.Context, id, leaseToken string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flow_executions SET lease_token = NULL, lease_expires_at = 0
		 WHERE id = ? AND lease_token = ? AND status = 'running'`,
		id, leaseToken,
	)
	return leaseResult(res, err, "release execution")
}

// CompleteExecution finishes an execution. A normal completion stamps the
// flow activity in the same transaction; a halted one (haltReason set) does not.
func (s *Store) CompleteExecution(ctx context.Context, id, leaseToken string, now time.Time, haltReason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var tenantID, customerID, flowID string
		err := tx.QueryRowContext(ctx,
			`UPDATE flow_executions
			 SET status = 'completed', completed_at = ?, lease_token = NULL, lease_expires_at = 0, halt_reason = ?
			 WHERE id = ? AND lease_token = ? AND status = 'running'
			 RETURNING tenant_id, customer_id, flow_id`,
			toMillis(now), nullString(haltReason), id, leaseToken,
		).Scan(&tenantID, &customerID, &flowID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("complete execution %s: %w", id, err)
		}
		if haltReason != "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO flow_activity (tenant_id, customer_id, flow_id, last_dispatch_completed_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(tenant_id, customer_id, flow_id) DO UPDATE SET
			   last_dispatch_completed_at = MAX(last_dispatch_completed_at, excluded.last_dispatch_completed_at)`,
			tenantID, customerID, flowID, toMillis(now),
		); err != nil {
			return fmt.Errorf("stamp flow activity: %w", err)
		}
		return nil
	})
}

// FailExecution marks a leased execution failed at step.
func (s *Store) FailExecution(ctx context.Context, id, leaseToken string, step int, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flow_executions
		 SET status = 'failed', completed_at = ?, lease_token = NULL, lease_expires_at = 0, failed_step = ?, error = ?
		 WHERE id = ? AND lease_token = ? AND status = 'running'`,
		toMillis(now), step, errMsg, id, leaseToken,
	)
	return leaseResult(res, err, "fail execution")
}

// FailExhaustedExecutions fails executions whose lease expired maxAttempts
// times in a row without progress.
func (s *Store) FailExhaustedExecutions(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flow_executions
		 SET status = 'failed', completed_at = ?, lease_token = NULL, lease_expires_at = 0,
		     failed_step = current_step, error = 'lease expired ' || attempts || ' times'
		 WHERE status IN ('queued', 'running') AND lease_expires_at <= ? AND attempts >= ?`,
		toMillis(now), toMillis(now), maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted executions: %w", err)
	}
	return res.RowsAffected()
}

// AutomationState reads the switches consulted before each step.
func (s *Store) AutomationState(ctx context.Context, executionID string) (domain.AutomationState, error) {
	var st domain.AutomationState
	var created int64
	var active, disable, enabled sql.NullBool
	var manual sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT e.created_at, f.active, f.disable_on_manual_reply, c.automation_enabled, cu.last_manual_reply_at
		 FROM flow_executions e
		 LEFT JOIN flows f ON f.id = e.flow_id
		 LEFT JOIN conversations c ON c.id = e.conversation_id
		 LEFT JOIN customers cu ON cu.tenant_id = e.tenant_id AND cu.customer_id = e.customer_id
		 WHERE e.id = ?`, executionID,
	).Scan(&created, &active, &disable, &enabled, &manual)
	if errors.Is(err, sql.ErrNoRows) {
		return st, domain.ErrNotFound
	}
	if err != nil {
		return st, err
	}
	st.ExecutionCreatedAt = fromMillis(created)
	st.FlowActive = active.Valid && active.Bool
	st.DisableOnManualReply = disable.Bool
	// A conversation without a row has never been switched off.
	st.ConversationEnabled = !enabled.Valid || enabled.Bool
	st.LastManualReplyAt = timePtr(manual)
	return st, nil
}

// GetExecution loads an execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.FlowExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM flow_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// ListCustomerExecutions returns a customer's executions, newest first.
func (s *Store) ListCustomerExecutions(ctx context.Context, tenantID, customerID string, limit int) ([]domain.FlowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM flow_executions
		 WHERE tenant_id = ? AND customer_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		tenantID, customerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FlowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func leaseResult(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return domain.ErrLeaseLost
	}
	return nil
}

func scanExecution(row rowScanner) (*domain.FlowExecution, error) {
	var e domain.FlowExecution
	var trigger, status string
	var dedupe, steps, leaseToken, errMsg, halt sql.NullString
	var notBefore, leaseExpires, created int64
	var started, completed, failedStep sql.NullInt64
	if err := row.Scan(&e.ID, &e.FlowID, &e.FlowVersion, &e.TenantID, &e.CustomerID, &e.ConversationID,
		&trigger, &dedupe, &status, &steps, &e.CurrentStep, &notBefore, &leaseToken, &leaseExpires,
		&e.Attempts, &created, &started, &completed, &errMsg, &failedStep, &halt); err != nil {
		return nil, err
	}
	e.Trigger = domain.TriggerKind(trigger)
	e.DedupeKey = dedupe.String
	e.Status = domain.ExecutionStatus(status)
	if steps.Valid {
		decoded, err := domain.DecodeSteps([]byte(steps.String))
		if err != nil {
			return nil, fmt.Errorf("execution %s: %w", e.ID, err)
		}
		e.Steps = decoded
	}
	e.NotBefore = fromMillis(notBefore)
	e.LeaseToken = leaseToken.String
	e.LeaseExpiresAt = fromMillis(leaseExpires)
	e.CreatedAt = fromMillis(created)
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	e.Error = errMsg.String
	if failedStep.Valid {
		n := int(failedStep.Int64)
		e.FailedStep = &n
	}
	e.HaltReason = halt.String
	return &e, nil
}
