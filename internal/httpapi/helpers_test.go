package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/replyflow/replyflow/internal/assistant"
	"github.com/replyflow/replyflow/internal/gmail"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- fakes -----------------------------------------------------------------

type fakeEngine struct {
	payloads [][]byte
	err      error
}

func (f *fakeEngine) HandleNotification(_ context.Context, payload []byte) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fakeUsers struct {
	byToken map[string]*store.User
	byEmail map[string]*store.User
	created []*store.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byToken: map[string]*store.User{},
		byEmail: map[string]*store.User{},
	}
}

func (f *fakeUsers) add(u *store.User) {
	f.byToken[u.APIToken] = u
	f.byEmail[u.Email] = u
}

func (f *fakeUsers) Create(_ context.Context, u *store.User) error {
	f.created = append(f.created, u)
	f.add(u)
	return nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*store.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeUsers) GetByAPIToken(_ context.Context, token string) (*store.User, error) {
	if u, ok := f.byToken[token]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

type assistantUpdate struct {
	id, assistantID, instructions string
}

type fakeConversations struct {
	byID       map[string]*store.Conversation
	createErr  error
	assistants []assistantUpdate
	statuses   map[string]store.ConversationStatus
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		byID:     map[string]*store.Conversation{},
		statuses: map[string]store.ConversationStatus{},
	}
}

func (f *fakeConversations) Create(_ context.Context, c *store.Conversation) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.byID[c.ID] = c
	return nil
}

func (f *fakeConversations) Get(_ context.Context, id string) (*store.Conversation, error) {
	if c, ok := f.byID[id]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeConversations) ListByOwner(_ context.Context, userID uuid.UUID) ([]*store.Conversation, error) {
	var out []*store.Conversation
	for _, c := range f.byID {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversations) SetAssistant(_ context.Context, id, assistantID, instructions string) error {
	f.assistants = append(f.assistants, assistantUpdate{id, assistantID, instructions})
	return nil
}

func (f *fakeConversations) UpdateStatus(_ context.Context, id string, status store.ConversationStatus) error {
	if _, ok := f.byID[id]; !ok {
		return store.ErrNotFound
	}
	f.statuses[id] = status
	return nil
}

type fakeWatches struct {
	watch    *store.MailboxWatch
	upserted []*store.MailboxWatch
	subs     []time.Time
	advanced []uint64
}

func (f *fakeWatches) GetByUser(_ context.Context, _ uuid.UUID) (*store.MailboxWatch, error) {
	if f.watch == nil {
		return nil, store.ErrNotFound
	}
	return f.watch, nil
}

func (f *fakeWatches) Upsert(_ context.Context, w *store.MailboxWatch) error {
	f.upserted = append(f.upserted, w)
	return nil
}

func (f *fakeWatches) SetSubscription(_ context.Context, _ uuid.UUID, _ string, expiresAt time.Time) error {
	f.subs = append(f.subs, expiresAt)
	return nil
}

func (f *fakeWatches) AdvanceCursor(_ context.Context, _ uuid.UUID, cursor uint64) error {
	f.advanced = append(f.advanced, cursor)
	return nil
}

type fakeAuth struct {
	exchangeToken *oauth2.Token
	exchangeEmail string
	exchangeErr   error
	saved         []uuid.UUID
	credentialID  uuid.UUID
}

func (f *fakeAuth) AuthURL(state string) string {
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (f *fakeAuth) Exchange(_ context.Context, _ string) (*oauth2.Token, string, error) {
	return f.exchangeToken, f.exchangeEmail, f.exchangeErr
}

func (f *fakeAuth) SaveCredential(_ context.Context, userID uuid.UUID, _ *oauth2.Token) error {
	f.saved = append(f.saved, userID)
	return nil
}

func (f *fakeAuth) CredentialID(_ context.Context, _ uuid.UUID) (uuid.UUID, error) {
	return f.credentialID, nil
}

type fakeAssistant struct {
	threadID  string
	threadErr error
	messages  []string
	started   []string // assistant ids
	awaited   []string // run ids
	runStatus assistant.RunStatus
	awaitErr  error
	replyText string
}

func (f *fakeAssistant) CreateThread(_ context.Context) (string, error) {
	return f.threadID, f.threadErr
}

func (f *fakeAssistant) AddMessage(_ context.Context, _, _, content string) (string, error) {
	f.messages = append(f.messages, content)
	return "msg-1", nil
}

func (f *fakeAssistant) StartRun(_ context.Context, _, assistantID, _ string) (assistant.Run, error) {
	f.started = append(f.started, assistantID)
	return assistant.Run{ID: "run-1", Status: assistant.StatusQueued}, nil
}

func (f *fakeAssistant) AwaitTerminal(_ context.Context, _, runID string, _, _ time.Duration) (assistant.Run, error) {
	f.awaited = append(f.awaited, runID)
	if f.awaitErr != nil {
		return assistant.Run{}, f.awaitErr
	}
	status := f.runStatus
	if status == "" {
		status = assistant.StatusCompleted
	}
	return assistant.Run{ID: runID, Status: status}, nil
}

func (f *fakeAssistant) LatestAssistantMessage(_ context.Context, _ string) (string, error) {
	return f.replyText, nil
}

type fakeMailbox struct {
	watchInfo *gmail.WatchInfo
	watchErr  error
	replies   []gmail.Reply
	sendErr   error
}

func (f *fakeMailbox) CreateWatch(_ context.Context) (*gmail.WatchInfo, error) {
	return f.watchInfo, f.watchErr
}

func (f *fakeMailbox) SendReply(_ context.Context, reply gmail.Reply) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.replies = append(f.replies, reply)
	return "mail-1", nil
}

type fakeMailProvider struct {
	mailbox *fakeMailbox
}

func (f *fakeMailProvider) MailboxFor(_ context.Context, _ uuid.UUID) (Mailbox, error) {
	return f.mailbox, nil
}

// --- fixture ---------------------------------------------------------------

type fixture struct {
	server  *Server
	router  *gin.Engine
	engine  *fakeEngine
	users   *fakeUsers
	convs   *fakeConversations
	watches *fakeWatches
	auth    *fakeAuth
	ai      *fakeAssistant
	mailbox *fakeMailbox
	user    *store.User
}

const testToken = "test-api-token"

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		engine:  &fakeEngine{},
		users:   newFakeUsers(),
		convs:   newFakeConversations(),
		watches: &fakeWatches{},
		auth:    &fakeAuth{credentialID: uuid.New()},
		ai: &fakeAssistant{
			threadID:  "thread_abc",
			replyText: "Hello, I am reaching out on behalf of Alice.",
		},
		mailbox: &fakeMailbox{
			watchInfo: &gmail.WatchInfo{Cursor: 42, Expiry: time.Now().Add(7 * 24 * time.Hour)},
		},
	}

	f.user = &store.User{ID: uuid.New(), Email: "alice@gmail.com", APIToken: testToken}
	f.users.add(f.user)

	cfg := Config{
		ListenAddr:         ":0",
		Topic:              "projects/p/topics/t",
		WatchRenewalWindow: 24 * time.Hour,
		RunPollInterval:    time.Millisecond,
		RunTimeout:         time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.server = NewServer(cfg, Deps{
		Users:         f.users,
		Conversations: f.convs,
		Watches:       f.watches,
		Auth:          f.auth,
		Assistant:     f.ai,
		Mail:          &fakeMailProvider{mailbox: f.mailbox},
		Engine:        f.engine,
		Logger:        logger,
		Metrics:       &instrumentation.Metrics{},
		Audit:         instrumentation.NewAuditLogger(logger, instrumentation.AuditLoggingConfig{Enabled: true}),
	})
	f.router = f.server.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, authorized bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func activeConversation(f *fixture) *store.Conversation {
	conv := &store.Conversation{
		ID:               "thread_1",
		UserID:           f.user.ID,
		OwnerEmail:       f.user.Email,
		CounterpartEmail: "bob@x.com",
		Instructions:     "negotiate a meeting time",
		Status:           store.StatusActive,
	}
	f.convs.byID[conv.ID] = conv
	return conv
}
