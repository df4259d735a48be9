package reconcile

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/replyflow/internal/assistant"
	"github.com/replyflow/replyflow/internal/faults"
	"github.com/replyflow/replyflow/internal/gmail"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/store"
)

// --- fakes -----------------------------------------------------------------

type fakeUsers struct {
	byEmail map[string]*store.User
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*store.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

type fakeConversations struct {
	active map[string]*store.Conversation // keyed by userID|counterpart
}

func convKey(userID uuid.UUID, counterpart string) string {
	return userID.String() + "|" + counterpart
}

func (f *fakeConversations) GetActiveByCounterpart(_ context.Context, userID uuid.UUID, counterpart string) (*store.Conversation, error) {
	if c, ok := f.active[convKey(userID, counterpart)]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

// fakeWatches mirrors the repo's SQL semantics: seeding creates the row and
// never overwrites an existing cursor, advancing a missing row is ErrNotFound
// and the cursor only moves forward.
type fakeWatches struct {
	watch    *store.MailboxWatch
	seeded   []uint64
	advanced []uint64
}

func (f *fakeWatches) GetByUser(_ context.Context, _ uuid.UUID) (*store.MailboxWatch, error) {
	if f.watch == nil {
		return nil, store.ErrNotFound
	}
	return f.watch, nil
}

func (f *fakeWatches) SeedCursor(_ context.Context, userID uuid.UUID, cursor uint64) error {
	f.seeded = append(f.seeded, cursor)
	if f.watch == nil {
		f.watch = &store.MailboxWatch{ID: uuid.New(), UserID: userID}
	}
	if f.watch.HistoryCursor == nil {
		c := cursor
		f.watch.HistoryCursor = &c
	}
	return nil
}

func (f *fakeWatches) AdvanceCursor(_ context.Context, _ uuid.UUID, cursor uint64) error {
	if f.watch == nil {
		return store.ErrNotFound
	}
	f.advanced = append(f.advanced, cursor)
	if f.watch.HistoryCursor == nil || *f.watch.HistoryCursor < cursor {
		c := cursor
		f.watch.HistoryCursor = &c
	}
	return nil
}

func (f *fakeWatches) cursor(t *testing.T) uint64 {
	t.Helper()
	require.NotNil(t, f.watch, "watch row must exist")
	require.NotNil(t, f.watch.HistoryCursor, "cursor must be persisted")
	return *f.watch.HistoryCursor
}

type fakeMailbox struct {
	changesByCursor map[uint64]*gmail.Changes
	changesErr      error
	cursorsSeen     []uint64
	replies         []gmail.Reply
}

func (f *fakeMailbox) ChangesSince(_ context.Context, cursor uint64, _ string) (*gmail.Changes, error) {
	f.cursorsSeen = append(f.cursorsSeen, cursor)
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	if c, ok := f.changesByCursor[cursor]; ok {
		return c, nil
	}
	return &gmail.Changes{}, nil
}

func (f *fakeMailbox) SendReply(_ context.Context, reply gmail.Reply) (string, error) {
	f.replies = append(f.replies, reply)
	return "sent-1", nil
}

type fakeProvider struct {
	mailbox *fakeMailbox
	calls   int
}

func (f *fakeProvider) MailboxFor(_ context.Context, _ uuid.UUID) (Mailbox, error) {
	f.calls++
	return f.mailbox, nil
}

type awaitResult struct {
	run assistant.Run
	err error
}

// fakeAI records the exact order of gateway calls, which is what the
// drain-before-reset property is about.
type fakeAI struct {
	calls []string

	runs         []assistant.Run
	messages     []assistant.Message
	awaitResults map[string]awaitResult
	startedRun   assistant.Run
	replyText    string
}

func (f *fakeAI) ListRuns(_ context.Context, threadID string) ([]assistant.Run, error) {
	f.calls = append(f.calls, "list_runs")
	return f.runs, nil
}

func (f *fakeAI) CancelRun(_ context.Context, _ string, runID string) error {
	f.calls = append(f.calls, "cancel:"+runID)
	return nil
}

func (f *fakeAI) StartRun(_ context.Context, _ string, _ string, _ string) (assistant.Run, error) {
	f.calls = append(f.calls, "start_run")
	return f.startedRun, nil
}

func (f *fakeAI) AwaitTerminal(_ context.Context, _ string, runID string, _, _ time.Duration) (assistant.Run, error) {
	f.calls = append(f.calls, "await:"+runID)
	if res, ok := f.awaitResults[runID]; ok {
		return res.run, res.err
	}
	return assistant.Run{ID: runID, Status: assistant.StatusCompleted}, nil
}

func (f *fakeAI) ListMessages(_ context.Context, _ string, limit int, _ string) ([]assistant.Message, error) {
	f.calls = append(f.calls, "list_messages")
	// Return a snapshot copy so DeleteMessage's in-place mutation cannot
	// alias a page the caller is still iterating, matching a real gateway.
	page := f.messages
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return append([]assistant.Message(nil), page...), nil
}

func (f *fakeAI) DeleteMessage(_ context.Context, _ string, messageID string) error {
	f.calls = append(f.calls, "delete:"+messageID)
	for i, msg := range f.messages {
		if msg.ID == messageID {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeAI) AddMessage(_ context.Context, _ string, _ string, _ string) (string, error) {
	f.calls = append(f.calls, "add_message")
	return "msg-new", nil
}

func (f *fakeAI) LatestAssistantMessage(_ context.Context, _ string) (string, error) {
	f.calls = append(f.calls, "latest_assistant_message")
	return f.replyText, nil
}

// --- fixture ---------------------------------------------------------------

const (
	ownerEmail  = "alice@gmail.com"
	counterpart = "bob@x.com"
	threadID    = "t1"
)

type fixture struct {
	engine  *Engine
	users   *fakeUsers
	convs   *fakeConversations
	watches *fakeWatches
	mailbox *fakeMailbox
	mail    *fakeProvider
	ai      *fakeAI
	locks   *KeyedMutex
	userID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	userID := uuid.New()

	f := &fixture{
		users: &fakeUsers{byEmail: map[string]*store.User{
			ownerEmail: {ID: userID, Email: ownerEmail},
		}},
		convs: &fakeConversations{active: map[string]*store.Conversation{
			convKey(userID, counterpart): {
				ID:               threadID,
				UserID:           userID,
				OwnerEmail:       ownerEmail,
				CounterpartEmail: counterpart,
				AssistantID:      "asst_1",
				Instructions:     "be helpful",
				Status:           store.StatusActive,
			},
		}},
		watches: &fakeWatches{},
		mailbox: &fakeMailbox{changesByCursor: map[uint64]*gmail.Changes{}},
		ai: &fakeAI{
			awaitResults: map[string]awaitResult{},
			startedRun:   assistant.Run{ID: "r1", Status: assistant.StatusQueued},
			replyText:    "Hi Bob, sounds great.",
		},
		locks:  NewKeyedMutex(),
		userID: userID,
	}
	f.mail = &fakeProvider{mailbox: f.mailbox}

	cfg := Config{
		DrainPollInterval: time.Millisecond,
		DrainTimeout:      10 * time.Millisecond,
		RunPollInterval:   time.Millisecond,
		RunTimeout:        time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = New(f.users, f.convs, f.watches, f.mail, f.ai, f.locks, cfg,
		logger, &instrumentation.Metrics{}, nil)
	return f
}

func watchWithCursor(userID uuid.UUID, cursor uint64) *store.MailboxWatch {
	return &store.MailboxWatch{
		ID:            uuid.New(),
		UserID:        userID,
		HistoryCursor: &cursor,
	}
}

func makePayload(t *testing.T, email string, historyID any) []byte {
	t.Helper()
	body := map[string]any{}
	if email != "" {
		body["emailAddress"] = email
	}
	if historyID != nil {
		body["historyId"] = historyID
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	envelope := map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "pm-1",
		},
		"subscription": "projects/p/subscriptions/s",
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)
	return payload
}

func changesFromBob() *gmail.Changes {
	return &gmail.Changes{
		Transcript:    "From: Bob <bob@x.com>\nSubject: Hello\n\nHow about Tuesday?",
		Counterpart:   counterpart,
		ThreadID:      "gmail-thread-9",
		LastMessageID: "gm-77",
		Subject:       "Hello",
	}
}

// --- tests -----------------------------------------------------------------

func TestHandleNotificationMalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("{{{")},
		{"empty envelope", []byte(`{}`)},
		{"data not base64", []byte(`{"message":{"data":"!!not-base64!!"}}`)},
		{"missing historyId", nil}, // built below
		{"missing emailAddress", nil},
	}
	tests[3].payload = makePayload(t, ownerEmail, nil)
	tests[4].payload = makePayload(t, "", 100)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.engine.HandleNotification(context.Background(), tt.payload)

			assert.ErrorIs(t, err, faults.ErrMalformedNotification)
			assert.Empty(t, f.ai.calls, "no gateway call may happen for a malformed payload")
			assert.Zero(t, f.mail.calls)
			assert.Empty(t, f.watches.seeded)
			assert.Empty(t, f.watches.advanced)
		})
	}
}

func TestHandleNotificationUnknownAccount(t *testing.T) {
	f := newFixture(t)
	err := f.engine.HandleNotification(context.Background(), makePayload(t, "stranger@gmail.com", 100))

	assert.ErrorIs(t, err, faults.ErrUnknownAccount)
	assert.Empty(t, f.ai.calls)
}

func TestCursorBootstrapWithoutWatch(t *testing.T) {
	f := newFixture(t)
	// No watch row at all: the cursor must be seeded from the payload, not
	// fail and not fetch an unbounded window.
	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 500))

	require.NoError(t, err)
	require.Equal(t, []uint64{500}, f.mailbox.cursorsSeen)
	assert.Equal(t, uint64(500), f.watches.cursor(t), "seeded cursor must be written, not held in memory")
}

func TestCursorBootstrapWithNullCursor(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = &store.MailboxWatch{ID: uuid.New(), UserID: f.userID}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 500))

	require.NoError(t, err)
	require.Equal(t, []uint64{500}, f.mailbox.cursorsSeen)
	assert.Equal(t, uint64(500), f.watches.cursor(t), "seeded cursor must be written, not held in memory")
}

func TestBootstrapCursorSurvivesForNextNotification(t *testing.T) {
	f := newFixture(t)
	// A notification arrives with no watch row (the row was lost while the
	// provider subscription stayed live). Nothing is new at the seeded
	// cursor, but the seed itself must be durable.
	require.NoError(t, f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100)))
	require.Equal(t, uint64(100), f.watches.cursor(t))

	// Bob writes; the next notification must fetch from the seeded cursor
	// and process his message exactly once.
	f.mailbox.changesByCursor[100] = changesFromBob()
	payload := makePayload(t, ownerEmail, 120)
	require.NoError(t, f.engine.HandleNotification(context.Background(), payload))

	assert.Equal(t, 1, countPrefix(f.ai.calls, "start_run"))
	require.Len(t, f.mailbox.replies, 1)
	assert.Equal(t, uint64(120), f.watches.cursor(t))

	// Redelivery of that notification finds the advanced cursor and stops.
	require.NoError(t, f.engine.HandleNotification(context.Background(), payload))

	assert.Equal(t, 1, countPrefix(f.ai.calls, "start_run"), "redelivery must not start a second run")
	assert.Len(t, f.mailbox.replies, 1, "redelivery must not mail the counterpart again")
}

func TestNoChangesIsNoop(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	// cursor 90 maps to no changes

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.NoError(t, err)
	assert.Empty(t, f.ai.calls, "empty history must not touch the AI thread")
	assert.Empty(t, f.watches.advanced, "cursor must not move without a run")
}

func TestUntrackedCounterpartIsNoop(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	changes := changesFromBob()
	changes.Counterpart = "untracked@y.com"
	f.mailbox.changesByCursor[90] = changes

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.NoError(t, err)
	assert.Empty(t, f.ai.calls)
}

func TestHappyPass(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	f.mailbox.changesByCursor[90] = changesFromBob()
	f.ai.messages = []assistant.Message{
		{ID: "m1", Role: assistant.RoleUser},
		{ID: "m2", Role: assistant.RoleAssistant},
	}
	f.ai.awaitResults["r1"] = awaitResult{run: assistant.Run{ID: "r1", Status: assistant.StatusCompleted}}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.NoError(t, err)
	assert.Equal(t, []string{
		"list_runs",
		"list_messages",
		"delete:m1",
		"delete:m2",
		"list_messages",
		"add_message",
		"start_run",
		"await:r1",
		"latest_assistant_message",
	}, f.ai.calls)
	assert.Equal(t, []uint64{100}, f.watches.advanced, "cursor must advance to the notification's historyId")

	require.Len(t, f.mailbox.replies, 1)
	reply := f.mailbox.replies[0]
	assert.Equal(t, counterpart, reply.To)
	assert.Equal(t, "gmail-thread-9", reply.ThreadID)
	assert.Equal(t, "gm-77", reply.InReplyTo)
	assert.Equal(t, "Hi Bob, sounds great.", reply.Body)
}

func TestResetClearsThreadsLongerThanOnePage(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	f.mailbox.changesByCursor[90] = changesFromBob()
	for i := 0; i < 150; i++ {
		f.ai.messages = append(f.ai.messages, assistant.Message{
			ID:   fmt.Sprintf("m%d", i),
			Role: assistant.RoleUser,
		})
	}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.NoError(t, err)
	assert.Equal(t, 150, countPrefix(f.ai.calls, "delete:"), "every message must be deleted, not just the first page")
	assert.Empty(t, f.ai.messages, "no residue may survive the reset")
	assert.Greater(t, indexOf(t, f.ai.calls, "add_message"), indexOf(t, f.ai.calls, "delete:m149"))
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	f.mailbox.changesByCursor[90] = changesFromBob()
	payload := makePayload(t, ownerEmail, 100)

	require.NoError(t, f.engine.HandleNotification(context.Background(), payload))
	callsAfterFirst := len(f.ai.calls)
	require.Equal(t, []uint64{100}, f.watches.advanced)

	// Second delivery of the same notification: the cursor already sits at
	// 100, for which the mailbox reports nothing new.
	require.NoError(t, f.engine.HandleNotification(context.Background(), payload))

	assert.Len(t, f.ai.calls, callsAfterFirst, "replay must not start a new run")
	assert.Equal(t, []uint64{100}, f.watches.advanced, "replay must not advance the cursor again")
}

func TestDrainBeforeReset(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	f.mailbox.changesByCursor[90] = changesFromBob()
	f.ai.runs = []assistant.Run{
		{ID: "r0", Status: assistant.StatusInProgress},
		{ID: "r-done", Status: assistant.StatusCompleted},
	}
	f.ai.messages = []assistant.Message{{ID: "m1", Role: assistant.RoleUser}}
	f.ai.awaitResults["r0"] = awaitResult{run: assistant.Run{ID: "r0", Status: assistant.StatusCancelled}}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))
	require.NoError(t, err)

	calls := strings.Join(f.ai.calls, ",")
	assert.Contains(t, calls, "cancel:r0")
	assert.NotContains(t, calls, "cancel:r-done", "terminal runs are not cancelled")

	// No thread mutation may precede the drain confirmation.
	drainDone := indexOf(t, f.ai.calls, "await:r0")
	for _, mutation := range []string{"list_messages", "delete:m1", "add_message", "start_run"} {
		assert.Greater(t, indexOf(t, f.ai.calls, mutation), drainDone,
			"%s must come after the stale run is confirmed terminal", mutation)
	}
}

func TestDrainTimeoutAbortsPass(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	f.mailbox.changesByCursor[90] = changesFromBob()
	f.ai.runs = []assistant.Run{{ID: "r0", Status: assistant.StatusInProgress}}
	f.ai.awaitResults["r0"] = awaitResult{err: fmt.Errorf("still going: %w", faults.ErrPollTimeout)}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.ErrorIs(t, err, faults.ErrDrainTimeout)
	calls := strings.Join(f.ai.calls, ",")
	assert.NotContains(t, calls, "delete:", "no thread mutation on aborted drain")
	assert.NotContains(t, calls, "add_message")
	assert.NotContains(t, calls, "start_run")
	assert.Empty(t, f.watches.advanced, "cursor must not advance on an aborted pass")

	// The advisory lock must have been released on the failure path.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	release, err := f.locks.Acquire(ctx, threadID)
	require.NoError(t, err, "lock must be free after an aborted pass")
	release()
}

func TestRunTimeoutStillAdvancesCursor(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	f.mailbox.changesByCursor[90] = changesFromBob()
	f.ai.awaitResults["r1"] = awaitResult{err: fmt.Errorf("slow: %w", faults.ErrPollTimeout)}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.ErrorIs(t, err, faults.ErrRunTimeout)
	// A failed generation must not cause the same history window to be
	// reprocessed forever.
	assert.Equal(t, []uint64{100}, f.watches.advanced)
	assert.Empty(t, f.mailbox.replies)
}

func TestFailedRunSendsNoReply(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 90)
	f.mailbox.changesByCursor[90] = changesFromBob()
	f.ai.awaitResults["r1"] = awaitResult{run: assistant.Run{ID: "r1", Status: assistant.StatusFailed}}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, f.watches.advanced)
	assert.Empty(t, f.mailbox.replies)
	assert.NotContains(t, strings.Join(f.ai.calls, ","), "latest_assistant_message")
}

func TestExpiredCursorReseeds(t *testing.T) {
	f := newFixture(t)
	f.watches.watch = watchWithCursor(f.userID, 5)
	f.mailbox.changesByCursor[5] = &gmail.Changes{CursorInvalid: true}

	err := f.engine.HandleNotification(context.Background(), makePayload(t, ownerEmail, 100))

	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, f.watches.advanced)
	assert.Empty(t, f.ai.calls)
}

func countPrefix(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func indexOf(t *testing.T, calls []string, call string) int {
	t.Helper()
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	t.Fatalf("call %q not found in %v", call, calls)
	return -1
}
