package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order inside one transaction each, guarded by
// schema_migrations so re-running migrate is a no-op (spec §6.4: "all
// migrations idempotent"). Modeled on the teacher's initSchema, adapted
// from SQLite's single-writer CREATE TABLE IF NOT EXISTS block to
// Postgres DO $$ ... END $$ blocks where conditional DDL is needed.
var migrations = []struct {
	version int
	sql     string
}{
	{1, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS bots (
			slug            TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL DEFAULT '',
			token_encrypted TEXT NOT NULL DEFAULT '',
			warmup_chat_id  BIGINT,
			rate_overrides  JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at      TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS start_messages (
			bot_slug                 TEXT PRIMARY KEY REFERENCES bots(slug),
			active                   BOOLEAN NOT NULL DEFAULT false,
			text                     TEXT NOT NULL DEFAULT '',
			parse_mode               TEXT NOT NULL DEFAULT 'MarkdownV2',
			disable_web_page_preview BOOLEAN NOT NULL DEFAULT false,
			media_refs               JSONB NOT NULL DEFAULT '[]'::jsonb,
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS media_store (
			bot_slug   TEXT NOT NULL,
			sha256     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			r2_key     TEXT NOT NULL,
			bytes      BIGINT NOT NULL,
			mime       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bot_slug, sha256, kind)
		);

		CREATE TABLE IF NOT EXISTS media_cache (
			bot_slug     TEXT NOT NULL,
			sha256       TEXT NOT NULL,
			kind         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'warming',
			file_id      TEXT,
			error_reason TEXT,
			attempts     INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			warmup_at    TIMESTAMPTZ,
			next_try_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bot_slug, sha256, kind)
		);

		CREATE TABLE IF NOT EXISTS bot_downsells (
			id            BIGSERIAL PRIMARY KEY,
			bot_slug      TEXT NOT NULL REFERENCES bots(slug),
			name          TEXT NOT NULL,
			content       JSONB NOT NULL DEFAULT '{}'::jsonb,
			delay_seconds INTEGER NOT NULL,
			triggers      TEXT[] NOT NULL DEFAULT '{}',
			active        BOOLEAN NOT NULL DEFAULT true,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS downsells_queue (
			id           BIGSERIAL PRIMARY KEY,
			downsell_id  BIGINT NOT NULL REFERENCES bot_downsells(id),
			bot_slug     TEXT NOT NULL,
			chat_id      BIGINT NOT NULL,
			schedule_at  TIMESTAMPTZ NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			schedule_min TIMESTAMPTZ GENERATED ALWAYS AS (date_trunc('minute', schedule_at)) STORED,
			UNIQUE (downsell_id, chat_id, schedule_min)
		);
		CREATE INDEX IF NOT EXISTS idx_downsells_queue_due
			ON downsells_queue (schedule_at) WHERE status = 'pending';

		CREATE TABLE IF NOT EXISTS shots (
			id           BIGSERIAL PRIMARY KEY,
			bot_slug     TEXT NOT NULL REFERENCES bots(slug),
			title        TEXT NOT NULL,
			content      JSONB NOT NULL DEFAULT '{}'::jsonb,
			filters      TEXT[] NOT NULL DEFAULT '{}',
			trigger_kind TEXT NOT NULL DEFAULT 'now',
			scheduled_at TIMESTAMPTZ,
			status       TEXT NOT NULL DEFAULT 'draft',
			total_targets INTEGER NOT NULL DEFAULT 0,
			sent_count    INTEGER NOT NULL DEFAULT 0,
			failed_count  INTEGER NOT NULL DEFAULT 0,
			skipped_count INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS shots_queue (
			id       BIGSERIAL PRIMARY KEY,
			shot_id  BIGINT NOT NULL REFERENCES shots(id),
			bot_slug TEXT NOT NULL,
			chat_id  BIGINT NOT NULL,
			status   TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_shots_queue_pending
			ON shots_queue (shot_id) WHERE status = 'pending';

		CREATE TABLE IF NOT EXISTS gateway_events (
			id             BIGSERIAL PRIMARY KEY,
			request_id     TEXT NOT NULL DEFAULT '',
			bot_slug       TEXT NOT NULL,
			chat_id        BIGINT NOT NULL,
			purpose        TEXT NOT NULL,
			dedupe_key     TEXT NOT NULL UNIQUE,
			message_id     BIGINT,
			status         TEXT NOT NULL DEFAULT 'pending',
			error_code     TEXT,
			latency_ms     INTEGER,
			metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
			occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_gateway_events_bot_purpose
			ON gateway_events (bot_slug, purpose, occurred_at);

		CREATE TABLE IF NOT EXISTS funnel_events (
			id          BIGSERIAL PRIMARY KEY,
			bot_slug    TEXT NOT NULL,
			chat_id     BIGINT NOT NULL,
			event_type  TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id         BIGSERIAL PRIMARY KEY,
			actor      TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			decision   TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			subject    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`},
}

// Migrate applies every migration not yet recorded in schema_migrations,
// each inside its own transaction, following the teacher's
// begin-tx/initSchema shape.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, m.version,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
