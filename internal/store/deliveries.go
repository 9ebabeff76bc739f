package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeliveryRecorded reports whether the idempotency key was already delivered.
func (s *Store) DeliveryRecorded(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM deliveries WHERE idempotency_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup delivery %s: %w", key, err)
	}
	return true, nil
}

// RecordDelivery stores a successful delivery. Recording the same key twice
// keeps the first entry.
func (s *Store) RecordDelivery(ctx context.Context, key, scope string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (idempotency_key, scope, delivered_at) VALUES (?, ?, ?)`,
		key, scope, toMillis(now),
	); err != nil {
		return fmt.Errorf("record delivery %s: %w", key, err)
	}
	return nil
}

// PruneDeliveries drops ledger entries older than before.
func (s *Store) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE delivered_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}
