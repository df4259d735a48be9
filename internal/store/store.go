// Package store provides the relational persistence layer: users, OAuth
// credentials, conversations, and mailbox watches, backed by Postgres
// through pgx.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no row matches a lookup.
	ErrNotFound = errors.New("not found")

	// ErrConversationExists is returned when creating a conversation would
	// violate the single-ACTIVE-conversation-per-(owner, counterpart) rule.
	ErrConversationExists = errors.New("active conversation already exists for this counterpart")
)

// Store wraps a pgx connection pool and exposes the repositories.
type Store struct {
	pool *pgxpool.Pool

	Users         *UserRepo
	Credentials   *CredentialRepo
	Conversations *ConversationRepo
	Watches       *WatchRepo
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	s.Users = &UserRepo{pool: pool}
	s.Credentials = &CredentialRepo{pool: pool}
	s.Conversations = &ConversationRepo{pool: pool}
	s.Watches = &WatchRepo{pool: pool}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email VARCHAR(255) NOT NULL UNIQUE,
    api_token VARCHAR(64) NOT NULL UNIQUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS oauth_credentials (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    provider VARCHAR(32) NOT NULL,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    token_type VARCHAR(32) NOT NULL DEFAULT 'Bearer',
    expiry TIMESTAMP WITH TIME ZONE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
    UNIQUE (user_id, provider)
);

-- Conversations are keyed by the remote AI thread id, not a local id.
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    owner_email VARCHAR(255) NOT NULL,
    counterpart_email VARCHAR(255) NOT NULL,
    counterpart_name VARCHAR(255),
    assistant_id TEXT NOT NULL,
    instructions TEXT NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

-- At most one ACTIVE conversation per (owner, counterpart). The engine
-- relies on this to route an inbound message unambiguously.
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
    ON conversations(user_id, counterpart_email) WHERE status = 'ACTIVE';

CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations(user_id);

CREATE TABLE IF NOT EXISTS mailbox_watches (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
    -- Null until the first API-driven watch: the engine seeds cursor-only
    -- rows when a notification arrives before any watch was registered.
    credential_id UUID UNIQUE REFERENCES oauth_credentials(id) ON DELETE CASCADE,
    history_cursor BIGINT,
    expires_at TIMESTAMP WITH TIME ZONE,
    topic TEXT,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);
`
