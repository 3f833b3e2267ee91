// Package db provides database connection helpers and schema migration.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection. The DSN comes from the config layer,
// which owns the DB_DSN default.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the embedded fallback for deployments without the versioned migrations
// directory; RunMigrations is the primary path.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			login TEXT PRIMARY KEY,
			twitch_id TEXT UNIQUE,
			display_name TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id SERIAL PRIMARY KEY,
			channel_login TEXT NOT NULL REFERENCES channels(login),
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			message_id TEXT,
			message_link TEXT,
			thumbnail_base TEXT,
			last_thumbnail_refresh TIMESTAMPTZ,
			missed_polls INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`ALTER TABLE sessions ADD COLUMN IF NOT EXISTS missed_polls INTEGER DEFAULT 0`,
		`CREATE TABLE IF NOT EXISTS history (
			id SERIAL PRIMARY KEY,
			channel_login TEXT NOT NULL REFERENCES channels(login),
			duration TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			message_id TEXT,
			message_link TEXT,
			replay_link TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			id SERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			category TEXT NOT NULL,
			description TEXT,
			location TEXT,
			trace TEXT
		)`,
		// At most one open session per channel, enforced by the schema itself.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_channel ON sessions(channel_login) WHERE ended_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel_started ON sessions(channel_login, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_channel_started ON history(channel_login, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_occurred ON errors(occurred_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
