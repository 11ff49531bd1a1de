package storage

import (
	"context"
	"fmt"
)

// Compliance event payloads are stored as TEXT: jsonb would normalise key
// order and whitespace, breaking byte-stable hash recomputation and hiding
// storage-level tampering.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS withdrawal_records (
        request_id      TEXT PRIMARY KEY,
        user_id         TEXT NOT NULL,
        from_address    TEXT NOT NULL,
        to_address      TEXT NOT NULL,
        amount_zat      BIGINT NOT NULL,
        memo            TEXT NOT NULL DEFAULT '',
        state           TEXT NOT NULL,
        operation_id    TEXT NOT NULL DEFAULT '',
        transaction_id  TEXT NOT NULL DEFAULT '',
        fee_zat         BIGINT NOT NULL DEFAULT 0,
        logical_actions INT NOT NULL DEFAULT 0,
        risk_score      INT NOT NULL DEFAULT 0,
        reason          TEXT NOT NULL DEFAULT '',
        error_code      TEXT NOT NULL DEFAULT '',
        last_error      TEXT NOT NULL DEFAULT '',
        reservation_id  BIGINT NOT NULL DEFAULT 0,
        created_at      TIMESTAMPTZ NOT NULL,
        updated_at      TIMESTAMPTZ NOT NULL,
        completed_at    TIMESTAMPTZ
    );`,
	`CREATE INDEX IF NOT EXISTS withdrawal_records_tx_idx
        ON withdrawal_records (transaction_id) WHERE transaction_id <> '';`,
	`CREATE INDEX IF NOT EXISTS withdrawal_records_state_idx
        ON withdrawal_records (state);`,

	`CREATE TABLE IF NOT EXISTS usage_entries (
        id         BIGSERIAL PRIMARY KEY,
        user_id    TEXT NOT NULL,
        amount_zat BIGINT NOT NULL,
        at         TIMESTAMPTZ NOT NULL,
        committed  BOOLEAN NOT NULL DEFAULT FALSE
    );`,
	`CREATE INDEX IF NOT EXISTS usage_entries_user_at_idx
        ON usage_entries (user_id, at);`,

	`CREATE TABLE IF NOT EXISTS compliance_events (
        sequence  BIGINT PRIMARY KEY,
        ts        TIMESTAMPTZ NOT NULL,
        type      TEXT NOT NULL,
        severity  TEXT NOT NULL,
        payload   TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        hash      TEXT NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS compliance_events_ts_idx
        ON compliance_events (ts);`,
}

// EnsureSchema creates the tables this core needs if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
