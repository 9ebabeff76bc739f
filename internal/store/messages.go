package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convoflow/internal/domain"

	"github.com/google/uuid"
)

// Ingest records an inbound message and attaches it to the conversation's
// accepting group, creating one when none exists. Deduplication on the
// provider message id happens before a sequence number is assigned.
//
// The whole operation is one transaction, so two concurrent ingestions for the
// same conversation can never both create a group (the partial unique index
// ux_groups_accepting backs this up for multi-process deployments).
func (s *Store) Ingest(ctx context.Context, req domain.IngestRequest, now time.Time) (domain.GroupAssignment, error) {
	received := req.ReceivedAt
	if received.IsZero() {
		received = now
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return domain.GroupAssignment{}, fmt.Errorf("marshal payload: %w", err)
	}

	var out domain.GroupAssignment
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing domain.GroupAssignment
		var groupID sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, group_id, seq FROM inbound_messages WHERE tenant_id = ? AND provider_message_id = ?`,
			req.TenantID, req.ProviderMessageID,
		).Scan(&existing.MessageID, &groupID, &existing.Seq)
		if err == nil {
			existing.GroupID = groupID.String
			existing.Duplicate = true
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dedupe lookup: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, tenant_id, customer_id, next_seq, automation_enabled, created_at)
			 VALUES (?, ?, ?, 0, 1, ?) ON CONFLICT(id) DO NOTHING`,
			req.ConversationID, req.TenantID, req.CustomerID, toMillis(now),
		); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE conversations SET next_seq = next_seq + 1 WHERE id = ? RETURNING next_seq`,
			req.ConversationID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("assign sequence: %w", err)
		}

		gid, created, err := attachToGroup(ctx, tx, req, seq, received, now)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO inbound_messages
			 (tenant_id, conversation_id, customer_id, provider_message_id, seq, received_at, payload, grouped, group_id, dispatched)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, 0)`,
			req.TenantID, req.ConversationID, req.CustomerID, req.ProviderMessageID,
			seq, toMillis(received), string(payload), gid,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msgID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO customers (tenant_id, customer_id, last_conversation_id, inbound_count, first_inbound_at, last_inbound_at)
			 VALUES (?, ?, ?, 1, ?, ?)
			 ON CONFLICT(tenant_id, customer_id) DO UPDATE SET
			   inbound_count = inbound_count + 1,
			   last_conversation_id = excluded.last_conversation_id,
			   first_inbound_at = COALESCE(first_inbound_at, excluded.first_inbound_at),
			   last_inbound_at = MAX(COALESCE(last_inbound_at, 0), excluded.last_inbound_at)`,
			req.TenantID, req.CustomerID, req.ConversationID, toMillis(received), toMillis(received),
		); err != nil {
			return fmt.Errorf("update customer activity: %w", err)
		}

		out = domain.GroupAssignment{MessageID: msgID, GroupID: gid, Seq: seq, NewGroup: created}
		return nil
	})
	return out, err
}

// attachToGroup extends the accepting group of the conversation or opens a new one.
func attachToGroup(ctx context.Context, tx *sql.Tx, req domain.IngestRequest, seq int64, received, now time.Time) (string, bool, error) {
	var gid string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM message_groups WHERE conversation_id = ? AND sealed = 0`,
		req.ConversationID,
	).Scan(&gid)
	switch {
	case err == nil:
		res, err := tx.ExecContext(ctx,
			`UPDATE message_groups
			 SET last_seq = ?, member_count = member_count + 1, last_member_at = MAX(last_member_at, ?)
			 WHERE id = ? AND sealed = 0 AND state = 'open'`,
			seq, toMillis(received), gid,
		)
		if err != nil {
			return "", false, fmt.Errorf("extend group: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return gid, false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", false, fmt.Errorf("find accepting group: %w", err)
	}

	gid = uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_groups
		 (id, tenant_id, conversation_id, customer_id, first_seq, last_seq, member_count, created_at, last_member_at, state, sealed, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, 'open', 0, 0)`,
		gid, req.TenantID, req.ConversationID, req.CustomerID, seq, seq, toMillis(now), toMillis(received),
	); err != nil {
		return "", false, fmt.Errorf("create group: %w", err)
	}
	return gid, true, nil
}

// GroupMessages returns the members of a group in sequence order.
func (s *Store) GroupMessages(ctx context.Context, groupID string) ([]domain.InboundMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, conversation_id, customer_id, provider_message_id, seq, received_at,
		        payload, grouped, group_id, dispatched
		 FROM inbound_messages WHERE group_id = ? ORDER BY seq ASC`, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ConversationMessages returns the latest messages of a conversation, oldest first.
func (s *Store) ConversationMessages(ctx context.Context, conversationID string, limit int) ([]domain.InboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
		   SELECT id, tenant_id, conversation_id, customer_id, provider_message_id, seq, received_at,
		          payload, grouped, group_id, dispatched
		   FROM inbound_messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]domain.InboundMessage, error) {
	var msgs []domain.InboundMessage
	for rows.Next() {
		var m domain.InboundMessage
		var receivedAt int64
		var payload string
		var groupID sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.CustomerID, &m.ProviderMessageID,
			&m.Seq, &receivedAt, &payload, &m.Grouped, &groupID, &m.Dispatched); err != nil {
			return nil, err
		}
		m.ReceivedAt = fromMillis(receivedAt)
		m.GroupID = groupID.String
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("message %d payload: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
