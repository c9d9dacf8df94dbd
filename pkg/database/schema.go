package database

import (
	"context"
	"fmt"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

// schemaStatements is applied in order on boot. Every statement is
// idempotent so restarts are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		twitch_id TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		twitch_id TEXT,
		first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		text TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		wire_id TEXT NOT NULL UNIQUE,
		badges JSONB NOT NULL DEFAULT '[]',
		emotes JSONB NOT NULL DEFAULT '[]',
		reply_to_wire_id TEXT,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMPTZ,
		deleted_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages (channel_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_user_ts ON messages (user_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_text_fts ON messages USING GIN (to_tsvector('simple', text))`,
	`CREATE TABLE IF NOT EXISTS mod_actions (
		id BIGSERIAL PRIMARY KEY,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		moderator_id INTEGER REFERENCES users(id),
		target_user_id INTEGER REFERENCES users(id),
		kind TEXT NOT NULL,
		duration_s INTEGER,
		reason TEXT,
		ts TIMESTAMPTZ NOT NULL,
		related_wire_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mod_actions_channel_ts ON mod_actions (channel_id, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS bits_events (
		id BIGSERIAL PRIMARY KEY,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		bits_amount INTEGER NOT NULL,
		message_wire_id TEXT,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sub_events (
		id BIGSERIAL PRIMARY KEY,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		sub_type TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT '1000',
		cumulative_months INTEGER NOT NULL DEFAULT 0,
		gift_count INTEGER NOT NULL DEFAULT 0,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS raid_events (
		id BIGSERIAL PRIMARY KEY,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		from_user_id INTEGER NOT NULL REFERENCES users(id),
		viewer_count INTEGER NOT NULL DEFAULT 0,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id SERIAL PRIMARY KEY,
		owner_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		url TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		muted BOOLEAN NOT NULL DEFAULT FALSE,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_triggered_at TIMESTAMPTZ,
		trigger_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// ApplySchema creates the chatterbox tables and indexes if they do not exist.
func ApplySchema(ctx context.Context, db PostgresConn, logger logging.Logger) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	logger.WithField("statements", len(schemaStatements)).Info("Database schema applied")
	return nil
}
