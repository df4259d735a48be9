package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WatchRepo provides access to mailbox watch subscriptions. At most one
// watch exists per user (unique constraint).
type WatchRepo struct {
	pool *pgxpool.Pool
}

// GetByUser returns the watch for a user, or ErrNotFound.
func (r *WatchRepo) GetByUser(ctx context.Context, userID uuid.UUID) (*MailboxWatch, error) {
	query := `
		SELECT id, user_id, credential_id, history_cursor, expires_at, topic, updated_at
		FROM mailbox_watches WHERE user_id = $1
	`
	var w MailboxWatch
	var credential *uuid.UUID
	var cursor *int64
	var topic *string
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&w.ID, &w.UserID, &credential, &cursor, &w.ExpiresAt, &topic, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox watch: %w", err)
	}
	if credential != nil {
		w.CredentialID = *credential
	}
	if cursor != nil {
		c := uint64(*cursor)
		w.HistoryCursor = &c
	}
	if topic != nil {
		w.Topic = *topic
	}
	return &w, nil
}

// Upsert creates or replaces the watch row for a user.
func (r *WatchRepo) Upsert(ctx context.Context, w *MailboxWatch) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	var credential *uuid.UUID
	if w.CredentialID != uuid.Nil {
		credential = &w.CredentialID
	}
	var cursor *int64
	if w.HistoryCursor != nil {
		c := int64(*w.HistoryCursor)
		cursor = &c
	}
	query := `
		INSERT INTO mailbox_watches (id, user_id, credential_id, history_cursor, expires_at, topic, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now())
		ON CONFLICT (user_id) DO UPDATE SET
			credential_id = EXCLUDED.credential_id,
			history_cursor = EXCLUDED.history_cursor,
			expires_at = EXCLUDED.expires_at,
			topic = EXCLUDED.topic,
			updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query,
		w.ID, w.UserID, credential, cursor, w.ExpiresAt, w.Topic); err != nil {
		return fmt.Errorf("failed to upsert mailbox watch: %w", err)
	}
	return nil
}

// SeedCursor creates the watch row with an initial cursor, or fills the
// cursor on an existing row that has never been synchronized. An existing
// cursor is never overwritten.
func (r *WatchRepo) SeedCursor(ctx context.Context, userID uuid.UUID, cursor uint64) error {
	query := `
		INSERT INTO mailbox_watches (id, user_id, history_cursor, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			history_cursor = COALESCE(mailbox_watches.history_cursor, EXCLUDED.history_cursor),
			updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query, uuid.New(), userID, int64(cursor)); err != nil {
		return fmt.Errorf("failed to seed history cursor: %w", err)
	}
	return nil
}

// AdvanceCursor moves the stored history cursor forward. The cursor only
// ever moves forward; a stale writer loses. ErrNotFound when no watch row
// exists for the user.
func (r *WatchRepo) AdvanceCursor(ctx context.Context, userID uuid.UUID, cursor uint64) error {
	query := `
		UPDATE mailbox_watches
		SET history_cursor = GREATEST(history_cursor, $2), updated_at = now()
		WHERE user_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, userID, int64(cursor))
	if err != nil {
		return fmt.Errorf("failed to advance history cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscription records a freshly created provider subscription
// (new expiry, topic) without touching the cursor.
func (r *WatchRepo) SetSubscription(ctx context.Context, userID uuid.UUID, topic string, expiresAt time.Time) error {
	query := `
		UPDATE mailbox_watches
		SET topic = $2, expires_at = $3, updated_at = now()
		WHERE user_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, userID, topic, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set watch subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
