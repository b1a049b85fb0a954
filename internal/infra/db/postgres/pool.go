// Package postgres stores conversations in PostgreSQL and serves the change
// feed over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool builds a pgxpool and validates connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Ping(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Ping checks that a connection can be acquired within timeout.
func Ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chat_conversations (
	id             TEXT PRIMARY KEY,
	property_id    TEXT NOT NULL,
	initiator_id   TEXT NOT NULL,
	counterpart_id TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (property_id, initiator_id, counterpart_id)
);
CREATE INDEX IF NOT EXISTS chat_conversations_initiator_idx ON chat_conversations (initiator_id, created_at DESC);
CREATE INDEX IF NOT EXISTS chat_conversations_counterpart_idx ON chat_conversations (counterpart_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES chat_conversations (id),
	sender_id       TEXT NOT NULL,
	sender_role     TEXT NOT NULL,
	body            TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_thread_idx ON chat_messages (conversation_id, created_at, id);

CREATE TABLE IF NOT EXISTS chat_profiles (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar_url   TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chat_listings (
	property_id   TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	city          TEXT NOT NULL DEFAULT '',
	price_cents   BIGINT NOT NULL DEFAULT 0,
	thumbnail_url TEXT NOT NULL DEFAULT ''
);
`

// EnsureSchema creates the chat tables when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}
