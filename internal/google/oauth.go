// Package google handles the Google OAuth2 authorization-code flow and
// produces per-user token sources for the Gmail API. Stored credentials are
// the only token store; refreshed tokens are written back on rotation.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/replyflow/replyflow/internal/logging"
	"github.com/replyflow/replyflow/internal/store"
)

// CredentialSource is the subset of the credential repository the
// authenticator needs.
type CredentialSource interface {
	GetByUser(ctx context.Context, userID uuid.UUID, provider string) (*store.Credential, error)
	Upsert(ctx context.Context, c *store.Credential) error
	UpdateToken(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiry *time.Time) error
}

// Authenticator owns the OAuth2 configuration and the credential cache.
type Authenticator struct {
	conf   *oauth2.Config
	creds  CredentialSource
	cache  *credentialCache
	logger *slog.Logger
}

// NewAuthenticator builds an Authenticator for the Gmail scope.
func NewAuthenticator(clientID, clientSecret, redirectURL string, creds CredentialSource, cacheTTL time.Duration, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     googleoauth.Endpoint,
			RedirectURL:  redirectURL,
			Scopes: []string{
				gmail.MailGoogleComScope,
			},
		},
		creds:  creds,
		cache:  newCredentialCache(cacheTTL),
		logger: logger,
	}
}

// AuthURL returns the consent-screen URL for the authorization-code flow.
// Offline access is requested so a refresh token is issued.
func (a *Authenticator) AuthURL(state string) string {
	return a.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens and resolves the
// authenticated Gmail address.
func (a *Authenticator) Exchange(ctx context.Context, code string) (*oauth2.Token, string, error) {
	token, err := a.conf.Exchange(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("failed to exchange auth code: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create gmail service: %w", err)
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve profile for new credential: %w", err)
	}

	return token, profile.EmailAddress, nil
}

// SaveCredential upserts the credential for a user and invalidates the cache
// entry so the next token source sees the fresh tokens.
func (a *Authenticator) SaveCredential(ctx context.Context, userID uuid.UUID, token *oauth2.Token) error {
	var expiry *time.Time
	if !token.Expiry.IsZero() {
		e := token.Expiry
		expiry = &e
	}
	cred := &store.Credential{
		UserID:       userID,
		Provider:     store.ProviderGoogle,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       expiry,
	}
	if err := a.creds.Upsert(ctx, cred); err != nil {
		return err
	}
	a.cache.invalidate(userID)
	return nil
}

// TokenSource returns an auto-refreshing token source for a user. Refreshed
// tokens are persisted back to the credential store.
func (a *Authenticator) TokenSource(ctx context.Context, userID uuid.UUID) (oauth2.TokenSource, error) {
	cred, err := a.credential(ctx, userID)
	if err != nil {
		return nil, err
	}

	base := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
	}
	if cred.Expiry != nil {
		base.Expiry = *cred.Expiry
	} else {
		// Force a refresh on first use when expiry is unknown.
		base.Expiry = time.Unix(1, 0)
	}

	persisting := &persistingTokenSource{
		inner:      a.conf.TokenSource(ctx, base),
		auth:       a,
		userID:     userID,
		credID:     cred.ID,
		lastAccess: cred.AccessToken,
		ctx:        ctx,
	}
	return oauth2.ReuseTokenSource(base, persisting), nil
}

// HTTPClient returns an authenticated HTTP client for a user, forced to
// HTTP/1.1 to avoid HTTP/2 protocol errors against the Google APIs.
func (a *Authenticator) HTTPClient(ctx context.Context, userID uuid.UUID) (*http.Client, error) {
	ts, err := a.TokenSource(ctx, userID)
	if err != nil {
		return nil, err
	}

	client := oauth2.NewClient(ctx, ts)
	if transport, ok := client.Transport.(*oauth2.Transport); ok {
		transport.Base = &http.Transport{
			ForceAttemptHTTP2: false,
		}
	}
	return client, nil
}

// CredentialID returns the id of the stored credential for a user.
func (a *Authenticator) CredentialID(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	cred, err := a.credential(ctx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	return cred.ID, nil
}

func (a *Authenticator) credential(ctx context.Context, userID uuid.UUID) (*store.Credential, error) {
	if cred, ok := a.cache.get(userID); ok {
		return cred, nil
	}
	cred, err := a.creds.GetByUser(ctx, userID, store.ProviderGoogle)
	if err != nil {
		return nil, fmt.Errorf("no google credential for user %s: %w", userID, err)
	}
	a.cache.set(userID, cred)
	return cred, nil
}

// persistingTokenSource saves rotated tokens back to the store whenever the
// wrapped source hands out a new access token.
type persistingTokenSource struct {
	inner  oauth2.TokenSource
	auth   *Authenticator
	userID uuid.UUID
	credID uuid.UUID
	ctx    context.Context

	mu         sync.Mutex
	lastAccess string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.inner.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	changed := token.AccessToken != p.lastAccess
	if changed {
		p.lastAccess = token.AccessToken
	}
	p.mu.Unlock()

	if changed {
		var expiry *time.Time
		if !token.Expiry.IsZero() {
			e := token.Expiry
			expiry = &e
		}
		if err := p.auth.creds.UpdateToken(p.ctx, p.credID, token.AccessToken, token.RefreshToken, expiry); err != nil {
			p.auth.logger.Warn("failed to persist refreshed token",
				logging.Operation("token_refresh"), logging.Err(err))
		}
		p.auth.cache.invalidate(p.userID)
	}
	return token, nil
}
