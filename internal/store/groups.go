package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"convoflow/internal/domain"
)

const groupColumns = `id, tenant_id, conversation_id, customer_id, first_seq, last_seq, member_count,
	created_at, last_member_at, state, sealed, lease_token, claimed_at, attempts, last_error, dispatched_at`

// eligibleGroup is the claim condition shared by the candidate query and the
// claim itself: the idle window of the tenant has elapsed and no earlier group
// of the same conversation is still pending.
const eligibleGroup = `
	g.state = 'open'
	AND g.last_member_at + COALESCE((SELECT t.buffer_seconds FROM tenants t WHERE t.id = g.tenant_id), ?) * 1000 <= ?
	AND NOT EXISTS (
		SELECT 1 FROM message_groups p
		WHERE p.conversation_id = g.conversation_id
		  AND p.first_seq < g.first_seq
		  AND p.state IN ('open', 'claimed')
	)`

// ReadyGroupIDs lists groups whose idle window has elapsed at now. The buffer
// is read from the tenants table on every call; defaultBufferSeconds applies
// to tenants without a row.
func (s *Store) ReadyGroupIDs(ctx context.Context, now time.Time, defaultBufferSeconds, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id FROM message_groups g WHERE `+eligibleGroup+`
		 ORDER BY g.last_member_at ASC, g.first_seq ASC LIMIT ?`,
		defaultBufferSeconds, toMillis(now), limit,
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

// ClaimGroup moves an eligible open group to claimed and seals it, in one
// conditional update. It reports false when another worker won the race or
// the group stopped being eligible.
func (s *Store) ClaimGroup(ctx context.Context, groupID, leaseToken string, now time.Time, defaultBufferSeconds int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_groups AS g
		 SET state = 'claimed', sealed = 1, lease_token = ?, claimed_at = ?, attempts = attempts + 1
		 WHERE g.id = ? AND `+eligibleGroup,
		leaseToken, toMillis(now), groupID, defaultBufferSeconds, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("claim group %s: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AckGroup marks a claimed group dispatched. The lease token must still match.
func (s *Store) AckGroup(ctx context.Context, groupID, leaseToken string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE message_groups
			 SET state = 'dispatched', dispatched_at = ?, lease_token = NULL, last_error = NULL
			 WHERE id = ? AND state = 'claimed' AND lease_token = ?`,
			toMillis(now), groupID, leaseToken,
		)
		if err != nil {
			return fmt.Errorf("ack group %s: %w", groupID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return domain.ErrLeaseLost
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE inbound_messages SET dispatched = 1 WHERE group_id = ?`, groupID,
		); err != nil {
			return fmt.Errorf("mark messages dispatched: %w", err)
		}
		return nil
	})
}

// RecordGroupFailure stores a delivery error on a claimed group. The lease is
// kept so the group is retried only after it expires; once attempts reach
// maxAttempts the group is moved to failed right away. Returns the new state.
func (s *Store) RecordGroupFailure(ctx context.Context, groupID, leaseToken, errMsg string, maxAttempts int) (domain.GroupState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`UPDATE message_groups
		 SET last_error = ?,
		     state = CASE WHEN attempts >= ? THEN 'failed' ELSE state END,
		     lease_token = CASE WHEN attempts >= ? THEN NULL ELSE lease_token END
		 WHERE id = ? AND state = 'claimed' AND lease_token = ?
		 RETURNING state`,
		errMsg, maxAttempts, maxAttempts, groupID, leaseToken,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrLeaseLost
	}
	if err != nil {
		return "", fmt.Errorf("record group failure: %w", err)
	}
	return domain.GroupState(state), nil
}

// ReleaseExpiredGroups returns claimed groups whose lease started at or before
// now-leaseTimeout to open (they stay sealed), or to failed when their attempts
// are exhausted.
func (s *Store) ReleaseExpiredGroups(ctx context.Context, now time.Time, leaseTimeout time.Duration, maxAttempts int) (released, failed int64, err error) {
	cutoff := toMillis(now.Add(-leaseTimeout))
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE message_groups
			 SET state = 'failed', lease_token = NULL, last_error = COALESCE(last_error, 'lease expired')
			 WHERE state = 'claimed' AND claimed_at <= ? AND attempts >= ?`,
			cutoff, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("fail exhausted groups: %w", err)
		}
		failed, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`UPDATE message_groups
			 SET state = 'open', lease_token = NULL, claimed_at = NULL
			 WHERE state = 'claimed' AND claimed_at <= ?`,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("release expired groups: %w", err)
		}
		released, _ = res.RowsAffected()
		return nil
	})
	return released, failed, err
}

// GetGroup loads one group.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*domain.MessageGroup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM message_groups WHERE id = ?`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ConversationGroups lists the groups of a conversation in creation order.
func (s *Store) ConversationGroups(ctx context.Context, conversationID string, limit int) ([]domain.MessageGroup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM message_groups WHERE conversation_id = ? ORDER BY first_seq ASC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.MessageGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

// FailedGroups lists groups that exhausted their attempts.
func (s *Store) FailedGroups(ctx context.Context, limit int) ([]domain.MessageGroup, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM message_groups WHERE state = 'failed' ORDER BY last_member_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.MessageGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*domain.MessageGroup, error) {
	var g domain.MessageGroup
	var createdAt, lastMemberAt int64
	var state string
	var leaseToken, lastError sql.NullString
	var claimedAt, dispatchedAt sql.NullInt64
	if err := row.Scan(&g.ID, &g.TenantID, &g.ConversationID, &g.CustomerID, &g.FirstSeq, &g.LastSeq,
		&g.MemberCount, &createdAt, &lastMemberAt, &state, &g.Sealed, &leaseToken, &claimedAt,
		&g.Attempts, &lastError, &dispatchedAt); err != nil {
		return nil, err
	}
	g.CreatedAt = fromMillis(createdAt)
	g.LastMemberAt = fromMillis(lastMemberAt)
	g.State = domain.GroupState(state)
	g.LeaseToken = leaseToken.String
	g.ClaimedAt = timePtr(claimedAt)
	g.LastError = lastError.String
	g.DispatchedAt = timePtr(dispatchedAt)
	return &g, nil
}
