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

// CredentialRepo provides access to OAuth credentials. Tokens never leave
// the gateway layer; nothing above internal/google reads them.
type CredentialRepo struct {
	pool *pgxpool.Pool
}

const credentialColumns = "id, user_id, provider, access_token, refresh_token, token_type, expiry, updated_at"

// Upsert stores a credential, replacing any existing one for the same
// (user, provider) pair. Tokens are replaced on every refresh.
func (r *CredentialRepo) Upsert(ctx context.Context, c *Credential) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query := `
		INSERT INTO oauth_credentials (id, user_id, provider, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expiry = EXCLUDED.expiry,
			updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query,
		c.ID, c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.TokenType, c.Expiry); err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// GetByUser returns the credential for a (user, provider) pair.
func (r *CredentialRepo) GetByUser(ctx context.Context, userID uuid.UUID, provider string) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM oauth_credentials WHERE user_id = $1 AND provider = $2`
	var c Credential
	err := r.pool.QueryRow(ctx, query, userID, provider).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.TokenType, &c.Expiry, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// UpdateToken persists a refreshed access token (and rotated refresh token,
// when the provider issued one).
func (r *CredentialRepo) UpdateToken(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiry *time.Time) error {
	query := `
		UPDATE oauth_credentials
		SET access_token = $2,
		    refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
		    expiry = $4,
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, accessToken, refreshToken, expiry); err != nil {
		return fmt.Errorf("failed to update credential tokens: %w", err)
	}
	return nil
}
