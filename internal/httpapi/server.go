// Package httpapi is the gin transport layer: the Pub/Sub webhook that
// feeds the reconciliation engine, the OAuth login flow, and the
// conversation management API.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"

	"github.com/replyflow/replyflow/internal/assistant"
	"github.com/replyflow/replyflow/internal/gmail"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/store"
)

// Notifier consumes one raw push payload. Implemented by reconcile.Engine.
type Notifier interface {
	HandleNotification(ctx context.Context, payload []byte) error
}

// UserStore is the API's view of user persistence.
type UserStore interface {
	Create(ctx context.Context, u *store.User) error
	GetByEmail(ctx context.Context, email string) (*store.User, error)
	GetByAPIToken(ctx context.Context, token string) (*store.User, error)
}

// ConversationStore is the API's view of conversation persistence.
type ConversationStore interface {
	Create(ctx context.Context, c *store.Conversation) error
	Get(ctx context.Context, id string) (*store.Conversation, error)
	ListByOwner(ctx context.Context, userID uuid.UUID) ([]*store.Conversation, error)
	SetAssistant(ctx context.Context, id, assistantID, instructions string) error
	UpdateStatus(ctx context.Context, id string, status store.ConversationStatus) error
}

// WatchStore is the API's view of mailbox watch persistence.
type WatchStore interface {
	GetByUser(ctx context.Context, userID uuid.UUID) (*store.MailboxWatch, error)
	Upsert(ctx context.Context, w *store.MailboxWatch) error
	SetSubscription(ctx context.Context, userID uuid.UUID, topic string, expiresAt time.Time) error
	AdvanceCursor(ctx context.Context, userID uuid.UUID, cursor uint64) error
}

// Authenticator handles the Google OAuth flow and credential persistence.
type Authenticator interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, string, error)
	SaveCredential(ctx context.Context, userID uuid.UUID, token *oauth2.Token) error
	CredentialID(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}

// Assistant is the API's view of the AI gateway.
type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, role, content string) (string, error)
	StartRun(ctx context.Context, threadID, assistantID, instructions string) (assistant.Run, error)
	AwaitTerminal(ctx context.Context, threadID, runID string, interval, timeout time.Duration) (assistant.Run, error)
	LatestAssistantMessage(ctx context.Context, threadID string) (string, error)
}

// Mailbox is the API's view of one user's mailbox gateway.
type Mailbox interface {
	CreateWatch(ctx context.Context) (*gmail.WatchInfo, error)
	SendReply(ctx context.Context, reply gmail.Reply) (string, error)
}

// MailboxProvider builds per-user mailbox gateways.
type MailboxProvider interface {
	MailboxFor(ctx context.Context, userID uuid.UUID) (Mailbox, error)
}

// TokenValidator verifies the OIDC identity token carried by Pub/Sub push
// requests and returns the authenticated service account email.
type TokenValidator func(ctx context.Context, token, audience string) (string, error)

func defaultTokenValidator(ctx context.Context, token, audience string) (string, error) {
	payload, err := idtoken.Validate(ctx, token, audience)
	if err != nil {
		return "", err
	}
	email, _ := payload.Claims["email"].(string)
	return email, nil
}

// Config holds the transport-level settings.
type Config struct {
	ListenAddr string

	// Topic is the Pub/Sub topic mailbox watches publish to.
	Topic string

	// PubSubServiceAccount is the service account email expected in push
	// OIDC tokens. Empty disables token verification (local development).
	PubSubServiceAccount string
	PubSubAudience       string

	// WatchRenewalWindow is how close to expiry a mailbox watch may get
	// before a conversation run recreates it.
	WatchRenewalWindow time.Duration

	// Run budget for the initial run started by POST /conversations/:id/run.
	RunPollInterval time.Duration
	RunTimeout      time.Duration
}

// Deps bundles the collaborators of the HTTP API.
type Deps struct {
	Users         UserStore
	Conversations ConversationStore
	Watches       WatchStore
	Auth          Authenticator
	Assistant     Assistant
	Mail          MailboxProvider
	Engine        Notifier

	Logger  *slog.Logger
	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger

	// ValidateToken overrides the OIDC validator; nil uses idtoken.Validate.
	ValidateToken TokenValidator
}

// Server is the application HTTP server.
type Server struct {
	cfg  Config
	deps Deps

	httpServer *http.Server
}

// NewServer creates a Server with its routes registered.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.ValidateToken == nil {
		deps.ValidateToken = defaultTokenValidator
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhook/gmail", s.handleWebhook)

	router.GET("/auth/google/login", s.handleLogin)
	router.GET("/auth/google/callback", s.handleCallback)

	api := router.Group("/", s.requireAuth())
	api.POST("/conversations", s.handleCreateConversation)
	api.GET("/conversations", s.handleListConversations)
	api.POST("/conversations/:id/run", s.handleRunConversation)
	api.POST("/conversations/:id/stop", s.handleStopConversation)

	return router
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.deps.Logger.Info("starting http server", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.deps.Logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}
