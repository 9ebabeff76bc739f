package store

import (
	"context"
	"fmt"
)

// Stats summarizes the pipeline for status output and the admin API.
type Stats struct {
	SchemaVersion int              `json:"schema_version"`
	Messages      int64            `json:"messages"`
	Customers     int64            `json:"customers"`
	Flows         int64            `json:"flows"`
	ActiveFlows   int64            `json:"active_flows"`
	Groups        map[string]int64 `json:"groups"`
	Executions    map[string]int64 `json:"executions"`
	Deliveries    int64            `json:"deliveries"`
}

// Stats collects row counts per table and per state.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Groups: map[string]int64{}, Executions: map[string]int64{}}

	version, err := GetSchemaVersion(s.db)
	if err != nil {
		return nil, err
	}
	st.SchemaVersion = version

	counts := []struct {
		q   string
		dst *int64
	}{
		{`SELECT COUNT(*) FROM inbound_messages`, &st.Messages},
		{`SELECT COUNT(*) FROM customers`, &st.Customers},
		{`SELECT COUNT(*) FROM flows`, &st.Flows},
		{`SELECT COUNT(*) FROM flows WHERE active = 1`, &st.ActiveFlows},
		{`SELECT COUNT(*) FROM deliveries`, &st.Deliveries},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.q).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	if err := s.countBy(ctx, `SELECT state, COUNT(*) FROM message_groups GROUP BY state`, st.Groups); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM flow_executions GROUP BY status`, st.Executions); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) countBy(ctx context.Context, q string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
