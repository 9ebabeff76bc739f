package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"convoflow/internal/domain"
)

// SetBufferSeconds stores the grouping window of a tenant. The dispatcher picks
// the new value up on its next poll.
func (s *Store) SetBufferSeconds(ctx context.Context, tenantID string, seconds int, now time.Time) error {
	if seconds < 0 {
		return fmt.Errorf("buffer seconds must not be negative: %d", seconds)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, buffer_seconds, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET buffer_seconds = excluded.buffer_seconds, updated_at = excluded.updated_at`,
		tenantID, seconds, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("set buffer for tenant %s: %w", tenantID, err)
	}
	return nil
}

// GetTenant returns the stored settings of a tenant.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	var t domain.Tenant
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, buffer_seconds, updated_at FROM tenants WHERE id = ?`, tenantID,
	).Scan(&t.ID, &t.BufferSeconds, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

// ListTenants returns every tenant with explicit settings.
func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, buffer_seconds, updated_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		var updated int64
		if err := rows.Scan(&t.ID, &t.BufferSeconds, &updated); err != nil {
			return nil, err
		}
		t.UpdatedAt = fromMillis(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}
