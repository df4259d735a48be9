package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/replyflow/internal/assistant"
	"github.com/replyflow/replyflow/internal/store"
)

func TestCreateConversation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/conversations", map[string]string{
		"recipient_email": "Bob@X.com",
		"recipient_name":  "Bob",
		"instructions":    "negotiate a meeting time",
	}, true)

	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "thread_abc", body["id"], "conversation id is the AI thread id")
	assert.Equal(t, "ACTIVE", body["status"])

	conv := f.convs.byID["thread_abc"]
	require.NotNil(t, conv)
	assert.Equal(t, f.user.ID, conv.UserID)
	assert.Equal(t, "alice@gmail.com", conv.OwnerEmail)
}

func TestCreateConversationRequiresAuth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/conversations", map[string]string{"recipient_email": "bob@x.com"}, false)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateConversationValidatesBody(t *testing.T) {
	f := newFixture(t)

	tests := []map[string]string{
		{},
		{"recipient_email": "not-an-email"},
	}
	for _, body := range tests {
		w := f.do(t, "POST", "/conversations", body, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestCreateConversationConflictOnSecondActive(t *testing.T) {
	f := newFixture(t)
	f.convs.createErr = store.ErrConversationExists

	w := f.do(t, "POST", "/conversations", map[string]string{"recipient_email": "bob@x.com"}, true)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)
	activeConversation(f)

	w := f.do(t, "GET", "/conversations", nil, true)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Len(t, body["conversations"], 1)
}

func TestRunConversation(t *testing.T) {
	f := newFixture(t)
	conv := activeConversation(f)

	w := f.do(t, "POST", "/conversations/"+conv.ID+"/run", map[string]string{
		"assistant_id": "asst_7",
		"subject":      "Meeting next week",
	}, true)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, string(assistant.StatusCompleted), body["run_status"])
	assert.Equal(t, "mail-1", body["message_id"])

	// The assistant was attached and the thread seeded with the instructions.
	require.Len(t, f.convs.assistants, 1)
	assert.Equal(t, "asst_7", f.convs.assistants[0].assistantID)
	require.Len(t, f.ai.messages, 1)
	assert.Equal(t, conv.Instructions, f.ai.messages[0])
	assert.Equal(t, []string{"asst_7"}, f.ai.started)

	// A mailbox watch was created and persisted with the provider's cursor.
	require.Len(t, f.watches.upserted, 1)
	watch := f.watches.upserted[0]
	require.NotNil(t, watch.HistoryCursor)
	assert.Equal(t, uint64(42), *watch.HistoryCursor)
	assert.Equal(t, "projects/p/topics/t", watch.Topic)

	// The opening email went to the counterpart, not threaded onto anything.
	require.Len(t, f.mailbox.replies, 1)
	reply := f.mailbox.replies[0]
	assert.Equal(t, "bob@x.com", reply.To)
	assert.Equal(t, "Meeting next week", reply.Subject)
	assert.Empty(t, reply.ThreadID)
	assert.Empty(t, reply.InReplyTo)
}

func TestRunConversationRenewsExpiringWatch(t *testing.T) {
	f := newFixture(t)
	conv := activeConversation(f)
	soon := time.Now().Add(time.Hour) // inside the 24h renewal window
	cursor := uint64(40)
	f.watches.watch = &store.MailboxWatch{
		ID:            uuid.New(),
		UserID:        f.user.ID,
		HistoryCursor: &cursor,
		ExpiresAt:     &soon,
	}

	w := f.do(t, "POST", "/conversations/"+conv.ID+"/run", map[string]string{"assistant_id": "asst_7"}, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.watches.upserted, "renewal must not rewrite the watch row")
	assert.Len(t, f.watches.subs, 1)
	assert.Equal(t, []uint64{42}, f.watches.advanced, "renewal cursor moves forward only")
}

func TestRunConversationKeepsFreshWatch(t *testing.T) {
	f := newFixture(t)
	conv := activeConversation(f)
	later := time.Now().Add(72 * time.Hour)
	cursor := uint64(40)
	f.watches.watch = &store.MailboxWatch{
		ID:            uuid.New(),
		UserID:        f.user.ID,
		HistoryCursor: &cursor,
		ExpiresAt:     &later,
	}

	w := f.do(t, "POST", "/conversations/"+conv.ID+"/run", map[string]string{"assistant_id": "asst_7"}, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, f.mailbox.watchErr)
	assert.Empty(t, f.watches.upserted)
	assert.Empty(t, f.watches.subs)
}

func TestRunConversationNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/conversations/missing/run", map[string]string{"assistant_id": "asst_7"}, true)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunConversationForbiddenForOtherOwner(t *testing.T) {
	f := newFixture(t)
	conv := activeConversation(f)
	conv.UserID = uuid.New() // someone else's conversation

	w := f.do(t, "POST", "/conversations/"+conv.ID+"/run", map[string]string{"assistant_id": "asst_7"}, true)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.ai.started)
}

func TestRunConversationFailedRunSendsNoEmail(t *testing.T) {
	f := newFixture(t)
	conv := activeConversation(f)
	f.ai.runStatus = assistant.StatusFailed

	w := f.do(t, "POST", "/conversations/"+conv.ID+"/run", map[string]string{"assistant_id": "asst_7"}, true)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, string(assistant.StatusFailed), body["run_status"])
	assert.NotContains(t, body, "message_id")
	assert.Empty(t, f.mailbox.replies)
}

func TestStopConversation(t *testing.T) {
	f := newFixture(t)
	conv := activeConversation(f)

	w := f.do(t, "POST", "/conversations/"+conv.ID+"/stop", nil, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.StatusStopped, f.convs.statuses[conv.ID])
}

func TestStopConversationNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/conversations/missing/stop", nil, true)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
