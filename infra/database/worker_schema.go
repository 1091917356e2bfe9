package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailsync_server/pkg/logger"
)

// schemaStatements create the relational schema. Every statement is
// idempotent so EnsureSchema runs on each start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS mail_accounts (
		owner_id        UUID PRIMARY KEY,
		provider        TEXT NOT NULL DEFAULT 'google',
		email           TEXT NOT NULL,
		connected       BOOLEAN NOT NULL DEFAULT FALSE,
		access_token    TEXT,
		refresh_token   TEXT,
		token_expiry    TIMESTAMPTZ,
		history_cursor  BIGINT NOT NULL DEFAULT 0,
		last_synced_at  TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mail_accounts_email ON mail_accounts (LOWER(email))`,

	`CREATE TABLE IF NOT EXISTS watch_subscriptions (
		owner_id       UUID PRIMARY KEY REFERENCES mail_accounts(owner_id) ON DELETE CASCADE,
		topic          TEXT NOT NULL DEFAULT '',
		expiry         TIMESTAMPTZ,
		active         BOOLEAN NOT NULL DEFAULT FALSE,
		history_id     BIGINT NOT NULL DEFAULT 0,
		retry_count    INT NOT NULL DEFAULT 0,
		next_retry_at  TIMESTAMPTZ,
		last_error     TEXT,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_watch_expiry ON watch_subscriptions (expiry) WHERE active`,

	`CREATE TABLE IF NOT EXISTS messages (
		id                   BIGSERIAL PRIMARY KEY,
		owner_id             UUID NOT NULL,
		provider_message_id  TEXT NOT NULL,
		thread_id            TEXT,
		subject              TEXT NOT NULL DEFAULT '',
		snippet              TEXT NOT NULL DEFAULT '',
		from_email           TEXT NOT NULL DEFAULT '',
		from_name            TEXT,
		labels               TEXT[] NOT NULL DEFAULT '{}',
		category             TEXT,
		classification       JSONB,
		is_read              BOOLEAN NOT NULL DEFAULT FALSE,
		is_archived          BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted           BOOLEAN NOT NULL DEFAULT FALSE,
		headers              JSONB NOT NULL DEFAULT '{}',
		history_id           BIGINT NOT NULL DEFAULT 0,
		email_date           TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (owner_id, provider_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_owner_history ON messages (owner_id, history_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_owner_category ON messages (owner_id, category) WHERE NOT is_deleted`,

	`CREATE TABLE IF NOT EXISTS sync_states (
		owner_id          UUID PRIMARY KEY,
		state             TEXT NOT NULL DEFAULT 'idle',
		mode              TEXT,
		last_synced_at    TIMESTAMPTZ,
		last_error_class  TEXT,
		last_error        TEXT,
		last_error_at     TIMESTAMPTZ,
		retry_count       INT NOT NULL DEFAULT 0,
		next_retry_at     TIMESTAMPTZ,
		last_sync_count   INT NOT NULL DEFAULT 0,
		total_synced      BIGINT NOT NULL DEFAULT 0,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_states_retry ON sync_states (next_retry_at) WHERE state = 'error'`,
}

// EnsureSchema creates missing tables and indexes inside one transaction.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	logger.Info("[database.EnsureSchema] schema ready (%d statements)", len(schemaStatements))
	return nil
}
