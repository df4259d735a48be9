package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConversationRepo provides CRUD access to conversations.
type ConversationRepo struct {
	pool *pgxpool.Pool
}

const conversationColumns = "id, user_id, owner_email, counterpart_email, counterpart_name, assistant_id, instructions, status, created_at, updated_at"

// Create inserts a new conversation. The partial unique index on
// (user_id, counterpart_email) WHERE status = 'ACTIVE' enforces the
// single-active rule; violations surface as ErrConversationExists.
func (r *ConversationRepo) Create(ctx context.Context, c *Conversation) error {
	if c.Status == "" {
		c.Status = StatusActive
	}
	query := `
		INSERT INTO conversations (id, user_id, owner_email, counterpart_email, counterpart_name, assistant_id, instructions, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		c.ID, c.UserID, c.OwnerEmail, strings.ToLower(c.CounterpartEmail),
		c.CounterpartName, c.AssistantID, c.Instructions, c.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConversationExists
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// Get returns a conversation by id (the remote AI thread id).
func (r *ConversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetActiveByCounterpart returns the single ACTIVE conversation between a
// user and a counterpart address, or ErrNotFound.
func (r *ConversationRepo) GetActiveByCounterpart(ctx context.Context, userID uuid.UUID, counterpartEmail string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE user_id = $1 AND counterpart_email = $2 AND status = 'ACTIVE'
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, userID, strings.ToLower(counterpartEmail)))
}

// ListByOwner returns all conversations owned by a user, newest first.
func (r *ConversationRepo) ListByOwner(ctx context.Context, userID uuid.UUID) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetAssistant records the assistant driving a conversation. Empty
// instructions keep the current value.
func (r *ConversationRepo) SetAssistant(ctx context.Context, id, assistantID, instructions string) error {
	query := `
		UPDATE conversations
		SET assistant_id = $2,
		    instructions = COALESCE(NULLIF($3, ''), instructions),
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, assistantID, instructions)
	if err != nil {
		return fmt.Errorf("failed to set conversation assistant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions a conversation between ACTIVE and STOPPED.
func (r *ConversationRepo) UpdateStatus(ctx context.Context, id string, status ConversationStatus) error {
	query := `UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func (r *ConversationRepo) scanOne(row pgx.Row) (*Conversation, error) {
	c, err := r.scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *ConversationRepo) scanRow(row scannable) (*Conversation, error) {
	var c Conversation
	var name *string
	err := row.Scan(&c.ID, &c.UserID, &c.OwnerEmail, &c.CounterpartEmail, &name,
		&c.AssistantID, &c.Instructions, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	if name != nil {
		c.CounterpartName = *name
	}
	return &c, nil
}
