// Package gmail wraps the Gmail API as the mailbox gateway: watch
// management, incremental change retrieval, transcript extraction, and
// reply sending.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/replyflow/replyflow/internal/faults"
	"github.com/replyflow/replyflow/internal/google"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/logging"
)

// Service builds per-user mailbox clients. One Service is shared by the
// whole process; Clients are cheap request-scoped wrappers.
type Service struct {
	auth    *google.Authenticator
	topic   string
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewService creates the mailbox gateway factory.
func NewService(auth *google.Authenticator, topic string, logger *slog.Logger, metrics *instrumentation.Metrics) *Service {
	return &Service{
		auth:    auth,
		topic:   topic,
		logger:  logger.With(logging.Service("gmail")),
		metrics: metrics,
	}
}

// Topic returns the Pub/Sub topic watches are created against.
func (s *Service) Topic() string {
	return s.topic
}

// MailboxFor returns a client bound to one user's mailbox.
func (s *Service) MailboxFor(ctx context.Context, userID uuid.UUID) (*Client, error) {
	httpClient, err := s.auth.HTTPClient(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("no gmail access for user %s: %w", userID, err)
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return &Client{
		svc:     svc.Users,
		topic:   s.topic,
		logger:  s.logger,
		metrics: s.metrics,
	}, nil
}

// Client wraps the Gmail Users service for a single user.
type Client struct {
	svc     *gmail.UsersService
	topic   string
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// WatchInfo is the provider's answer to a watch request: the cursor the
// subscription starts at and when it expires.
type WatchInfo struct {
	Cursor uint64
	Expiry time.Time
}

// CreateWatch registers (or renews) the push subscription for the user's
// inbox. Gmail expirations arrive as epoch milliseconds.
func (c *Client) CreateWatch(ctx context.Context) (*WatchInfo, error) {
	start := time.Now()
	resp, err := c.svc.Watch("me", &gmail.WatchRequest{
		TopicName: c.topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	c.record(ctx, "watch", start, err)
	if err != nil {
		return nil, external("watch", err)
	}

	return &WatchInfo{
		Cursor: resp.HistoryId,
		Expiry: time.Unix(0, resp.Expiration*int64(time.Millisecond)),
	}, nil
}

// StopWatch tears down the push subscription.
func (c *Client) StopWatch(ctx context.Context) error {
	start := time.Now()
	err := c.svc.Stop("me").Context(ctx).Do()
	c.record(ctx, "stop_watch", start, err)
	if err != nil {
		return external("stop_watch", err)
	}
	return nil
}

// Changes is the outcome of an incremental history fetch. A zero Transcript
// means nothing new: the notification was a duplicate or concerned messages
// outside the inbox.
type Changes struct {
	Transcript      string
	Counterpart     string
	CounterpartName string
	ThreadID        string
	LastMessageID   string
	Subject         string

	// CursorInvalid reports that the stored cursor was too old for the
	// provider's history window and must be reseeded.
	CursorInvalid bool
}

// ChangesSince lists mailbox history strictly after cursor, restricted to
// newly added messages, and renders the first qualifying thread into a
// transcript. An empty history window is a normal outcome, not an error.
func (c *Client) ChangesSince(ctx context.Context, cursor uint64, ownerAddr string) (*Changes, error) {
	start := time.Now()
	resp, err := c.svc.History.List("me").
		StartHistoryId(cursor).
		HistoryTypes("messageAdded").
		Context(ctx).Do()
	c.record(ctx, "history_list", start, err)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			// Cursor fell out of Gmail's history window.
			return &Changes{CursorInvalid: true}, nil
		}
		return nil, external("history_list", err)
	}

	threadID := firstAddedThread(resp.History)
	if threadID == "" {
		return &Changes{}, nil
	}

	start = time.Now()
	thread, err := c.svc.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	c.record(ctx, "thread_get", start, err)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			// Thread vanished between notification and fetch; skip.
			c.logger.Warn("thread referenced by history no longer exists",
				logging.Thread(threadID))
			return &Changes{}, nil
		}
		return nil, external("thread_get", err)
	}

	counterpart, counterpartName := counterpartOf(thread, ownerAddr)
	if counterpart == "" {
		// Thread has no participant other than the owner (drafts, self-sends).
		return &Changes{}, nil
	}

	changes := &Changes{
		Counterpart:     counterpart,
		CounterpartName: counterpartName,
		ThreadID:        threadID,
		Transcript:      c.renderTranscript(ctx, thread),
	}
	if n := len(thread.Messages); n > 0 {
		last := thread.Messages[n-1]
		changes.LastMessageID = last.Id
		changes.Subject = headerValue(last, "Subject")
	}
	return changes, nil
}

// firstAddedThread returns the thread of the first messageAdded event that
// carries a thread reference. Events without one are skipped, not fatal.
func firstAddedThread(history []*gmail.History) string {
	for _, h := range history {
		for _, added := range h.MessagesAdded {
			if added.Message != nil && added.Message.ThreadId != "" {
				return added.Message.ThreadId
			}
		}
	}
	return ""
}

// Reply describes an outbound reply threaded onto an existing exchange.
type Reply struct {
	To        string
	Subject   string
	Body      string
	ThreadID  string
	InReplyTo string // provider id of the message being answered
}

// SendReply sends a reply through Gmail, preserving threading via the
// In-Reply-To and References headers of the original message.
func (c *Client) SendReply(ctx context.Context, reply Reply) (string, error) {
	if reply.To == "" {
		return "", fmt.Errorf("recipient is required")
	}
	if reply.Body == "" {
		return "", fmt.Errorf("body is required")
	}

	var origMessageID, origReferences string
	if reply.InReplyTo != "" {
		start := time.Now()
		msg, err := c.svc.Messages.Get("me", reply.InReplyTo).Format("metadata").
			MetadataHeaders("Message-ID", "References", "Subject").
			Context(ctx).Do()
		c.record(ctx, "message_get", start, err)
		if err != nil {
			return "", external("message_get", err)
		}
		origMessageID = headerValue(msg, "Message-ID")
		origReferences = headerValue(msg, "References")
		if reply.Subject == "" {
			reply.Subject = headerValue(msg, "Subject")
		}
	}

	subject := reply.Subject
	if reply.InReplyTo != "" && subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	references := origReferences
	if origMessageID != "" {
		if references != "" {
			references += " "
		}
		references += origMessageID
	}

	var b strings.Builder
	b.WriteString("To: " + reply.To + "\r\n")
	b.WriteString("Subject: " + encodeRFC2047(subject) + "\r\n")
	if origMessageID != "" {
		b.WriteString("In-Reply-To: " + origMessageID + "\r\n")
	}
	if references != "" {
		b.WriteString("References: " + references + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("\r\n")
	b.WriteString(reply.Body)

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString([]byte(b.String())),
		ThreadId: reply.ThreadID,
	}

	start := time.Now()
	sent, err := c.svc.Messages.Send("me", msg).Context(ctx).Do()
	c.record(ctx, "message_send", start, err)
	if err != nil {
		return "", external("message_send", err)
	}
	return sent.Id, nil
}

func (c *Client) record(ctx context.Context, operation string, start time.Time, err error) {
	status := logging.StatusSuccess
	if err != nil {
		status = logging.StatusError
	}
	c.metrics.RecordGatewayOperation(ctx, "gmail", operation, status, time.Since(start))
}

func external(op string, err error) error {
	return fmt.Errorf("gmail %s: %w: %v", op, faults.ErrExternalService, err)
}
