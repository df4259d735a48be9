package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepo provides CRUD access to users.
type UserRepo struct {
	pool *pgxpool.Pool
}

const userColumns = "id, email, api_token, created_at"

// Create inserts a new user.
func (r *UserRepo) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	query := `
		INSERT INTO users (id, email, api_token)
		VALUES ($1, $2, $3)
	`
	if _, err := r.pool.Exec(ctx, query, u.ID, u.Email, u.APIToken); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Get returns a user by id.
func (r *UserRepo) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

// GetByEmail returns a user by email address.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return r.scanOne(ctx, query, email)
}

// GetByAPIToken returns a user by API token. Used by the auth middleware.
func (r *UserRepo) GetByAPIToken(ctx context.Context, token string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE api_token = $1`
	return r.scanOne(ctx, query, token)
}

func (r *UserRepo) scanOne(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.APIToken, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
