package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/logging"
	"github.com/replyflow/replyflow/internal/store"
)

const (
	stateCookie       = "oauth_state"
	stateCookieMaxAge = 600
)

// handleLogin starts the Google OAuth flow. The state parameter is pinned
// to a short-lived cookie and checked on the callback.
func (s *Server) handleLogin(c *gin.Context) {
	state := newToken()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, state, stateCookieMaxAge, "/", "", true, true)
	c.Redirect(http.StatusFound, s.deps.Auth.AuthURL(state))
}

// handleCallback finishes the OAuth flow: code exchange, user and
// credential upsert, API token issuance.
func (s *Server) handleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.WithOperation(s.deps.Logger, "auth")
	activity := instrumentation.NewAccountActivity("auth.login").WithSpanContext(ctx)

	state := c.Query("state")
	cookie, err := c.Cookie(stateCookie)
	if err != nil || state == "" || state != cookie {
		s.deps.Metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		c.JSON(http.StatusBadRequest, gin.H{"error": "state mismatch"})
		return
	}

	code := c.Query("code")
	if code == "" {
		s.deps.Metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}

	token, email, err := s.deps.Auth.Exchange(ctx, code)
	if err != nil {
		log.Error("code exchange failed", logging.Err(err))
		s.deps.Metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultFailure)
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "authentication with google failed"})
		return
	}
	activity.WithUser(email)

	user, err := s.deps.Users.GetByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{
			ID:       uuid.New(),
			Email:    email,
			APIToken: newToken(),
		}
		err = s.deps.Users.Create(ctx, user)
	}
	if err != nil {
		log.Error("failed to resolve user", logging.Err(err), logging.UserHash(email))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	if err := s.deps.Auth.SaveCredential(ctx, user.ID, token); err != nil {
		log.Error("failed to save credential", logging.Err(err), logging.UserHash(email))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save credential"})
		return
	}

	log.Info("account connected", logging.UserHash(email))
	s.deps.Metrics.RecordOAuthAuth(ctx, instrumentation.OAuthResultSuccess)
	s.deps.Audit.Log(activity.Complete(nil))

	c.JSON(http.StatusOK, gin.H{
		"email":     user.Email,
		"api_token": user.APIToken,
	})
}

// newToken returns a 256-bit random hex string.
func newToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
