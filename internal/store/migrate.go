package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "event store: tenants, conversations, customers, inbound_messages, message_groups",
		SQL: `
		CREATE TABLE IF NOT EXISTS tenants (
			id             TEXT PRIMARY KEY,
			buffer_seconds INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			customer_id        TEXT NOT NULL,
			next_seq           INTEGER NOT NULL DEFAULT 0,
			automation_enabled INTEGER NOT NULL DEFAULT 1,
			created_at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations(tenant_id, customer_id);

		CREATE TABLE IF NOT EXISTS customers (
			tenant_id            TEXT NOT NULL,
			customer_id          TEXT NOT NULL,
			last_conversation_id TEXT NOT NULL DEFAULT '',
			inbound_count        INTEGER NOT NULL DEFAULT 0,
			first_inbound_at     INTEGER,
			last_inbound_at      INTEGER,
			last_manual_reply_at INTEGER,
			PRIMARY KEY (tenant_id, customer_id)
		);
		CREATE INDEX IF NOT EXISTS idx_customers_inbound ON customers(tenant_id, last_inbound_at);

		CREATE TABLE IF NOT EXISTS inbound_messages (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id           TEXT NOT NULL,
			conversation_id     TEXT NOT NULL,
			customer_id         TEXT NOT NULL,
			provider_message_id TEXT NOT NULL,
			seq                 INTEGER NOT NULL,
			received_at         INTEGER NOT NULL,
			payload             TEXT NOT NULL,
			grouped             INTEGER NOT NULL DEFAULT 0,
			group_id            TEXT,
			dispatched          INTEGER NOT NULL DEFAULT 0,
			UNIQUE (tenant_id, provider_message_id),
			UNIQUE (conversation_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_inbound_group ON inbound_messages(group_id, seq);

		CREATE TABLE IF NOT EXISTS message_groups (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			customer_id     TEXT NOT NULL,
			first_seq       INTEGER NOT NULL,
			last_seq        INTEGER NOT NULL,
			member_count    INTEGER NOT NULL,
			created_at      INTEGER NOT NULL,
			last_member_at  INTEGER NOT NULL,
			state           TEXT NOT NULL,
			sealed          INTEGER NOT NULL DEFAULT 0,
			lease_token     TEXT,
			claimed_at      INTEGER,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			dispatched_at   INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_groups_accepting ON message_groups(conversation_id) WHERE sealed = 0;
		CREATE INDEX IF NOT EXISTS idx_groups_state ON message_groups(state, last_member_at);
		CREATE INDEX IF NOT EXISTS idx_groups_conv ON message_groups(conversation_id, first_seq);
		`,
	},
	{
		Version:     2,
		Description: "flows: flows, flow_executions, flow_activity",
		SQL: `
		CREATE TABLE IF NOT EXISTS flows (
			id                      TEXT PRIMARY KEY,
			tenant_id               TEXT NOT NULL,
			name                    TEXT NOT NULL DEFAULT '',
			active                  INTEGER NOT NULL DEFAULT 1,
			disable_on_manual_reply INTEGER NOT NULL DEFAULT 0,
			version                 INTEGER NOT NULL DEFAULT 1,
			trigger_spec            TEXT NOT NULL,
			steps                   TEXT NOT NULL,
			updated_at              INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_flows_tenant ON flows(tenant_id, active);

		CREATE TABLE IF NOT EXISTS flow_executions (
			id               TEXT PRIMARY KEY,
			flow_id          TEXT NOT NULL,
			flow_version     INTEGER NOT NULL,
			tenant_id        TEXT NOT NULL,
			customer_id      TEXT NOT NULL,
			conversation_id  TEXT NOT NULL,
			trigger_kind     TEXT NOT NULL,
			dedupe_key       TEXT UNIQUE,
			status           TEXT NOT NULL,
			steps            TEXT,
			current_step     INTEGER NOT NULL DEFAULT 0,
			not_before       INTEGER NOT NULL DEFAULT 0,
			lease_token      TEXT,
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			attempts         INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			started_at       INTEGER,
			completed_at     INTEGER,
			error            TEXT,
			failed_step      INTEGER,
			halt_reason      TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_exec_pending
			ON flow_executions(tenant_id, customer_id, flow_id, trigger_kind)
			WHERE status IN ('queued', 'running');
		CREATE INDEX IF NOT EXISTS idx_exec_claim ON flow_executions(status, not_before);
		CREATE INDEX IF NOT EXISTS idx_exec_customer ON flow_executions(tenant_id, customer_id, flow_id, created_at);

		CREATE TABLE IF NOT EXISTS flow_activity (
			tenant_id                  TEXT NOT NULL,
			customer_id                TEXT NOT NULL,
			flow_id                    TEXT NOT NULL,
			last_dispatch_completed_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, customer_id, flow_id)
		);
		`,
	},
	{
		Version:     3,
		Description: "delivery ledger",
		SQL: `
		CREATE TABLE IF NOT EXISTS deliveries (
			idempotency_key TEXT PRIMARY KEY,
			scope           TEXT NOT NULL,
			delivered_at    INTEGER NOT NULL
		);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}

		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				if isAlreadyApplied(err) {
					logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
					continue
				}
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}

		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // no table yet => version 0
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func isAlreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
