package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convoflow/internal/domain"
)

const flowColumns = `id, tenant_id, name, active, disable_on_manual_reply, version, trigger_spec, steps, updated_at`

// UpsertFlow stores a validated flow definition. The version is bumped only
// when the content changed, so reloading the same file is a no-op. Executions
// already started keep the step snapshot they took.
func (s *Store) UpsertFlow(ctx context.Context, f domain.FlowDefinition, now time.Time) (version int, changed bool, err error) {
	trig, err := json.Marshal(f.Trigger)
	if err != nil {
		return 0, false, fmt.Errorf("marshal trigger: %w", err)
	}
	steps, err := domain.EncodeSteps(f.Steps)
	if err != nil {
		return 0, false, fmt.Errorf("marshal steps: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var cur struct {
			tenant, name, trig, steps string
			active, disable         bool
			version                 int
		}
		err := tx.QueryRowContext(ctx,
			`SELECT tenant_id, name, active, disable_on_manual_reply, version, trigger_spec, steps FROM flows WHERE id = ?`, f.ID,
		).Scan(&cur.tenant, &cur.name, &cur.active, &cur.disable, &cur.version, &cur.trig, &cur.steps)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			version, changed = 1, true
			_, err = tx.ExecContext(ctx,
				`INSERT INTO flows (`+flowColumns+`) VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
				f.ID, f.TenantID, f.Name, boolInt(f.Active), boolInt(f.DisableOnManualReply),
				string(trig), string(steps), toMillis(now),
			)
			return err
		case err != nil:
			return err
		}

		if cur.tenant != f.TenantID {
			return fmt.Errorf("%w: flow %s belongs to tenant %s", domain.ErrInvalidFlow, f.ID, cur.tenant)
		}
		if cur.name == f.Name && cur.active == f.Active && cur.disable == f.DisableOnManualReply &&
			cur.trig == string(trig) && cur.steps == string(steps) {
			version = cur.version
			return nil
		}
		version, changed = cur.version+1, true
		_, err = tx.ExecContext(ctx,
			`UPDATE flows SET name = ?, active = ?, disable_on_manual_reply = ?, version = ?,
			   trigger_spec = ?, steps = ?, updated_at = ?
			 WHERE id = ?`,
			f.Name, boolInt(f.Active), boolInt(f.DisableOnManualReply), version,
			string(trig), string(steps), toMillis(now), f.ID,
		)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("upsert flow %s: %w", f.ID, err)
	}
	return version, changed, nil
}

// SetFlowActive toggles a flow. Running executions see the change at their
// next step boundary.
func (s *Store) SetFlowActive(ctx context.Context, flowID string, active bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET active = ?, updated_at = ? WHERE id = ?`, boolInt(active), toMillis(now), flowID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetFlow loads a flow definition.
func (s *Store) GetFlow(ctx context.Context, flowID string) (*domain.FlowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, flowID)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return f, err
}

// ListFlows returns flows ordered by tenant and id, optionally only active ones.
func (s *Store) ListFlows(ctx context.Context, activeOnly bool) ([]domain.FlowDefinition, error) {
	q := `SELECT ` + flowColumns + ` FROM flows`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY tenant_id, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FlowDefinition
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanFlow(row rowScanner) (*domain.FlowDefinition, error) {
	var f domain.FlowDefinition
	var trig, steps string
	var updated int64
	if err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.Active, &f.DisableOnManualReply, &f.Version,
		&trig, &steps, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trig), &f.Trigger); err != nil {
		return nil, fmt.Errorf("flow %s trigger: %w", f.ID, err)
	}
	decoded, err := domain.DecodeSteps([]byte(steps))
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", f.ID, err)
	}
	f.Steps = decoded
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}
