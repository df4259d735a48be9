// Package assistant wraps the OpenAI assistants API (threads, messages,
// runs) as the conversation AI gateway.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/replyflow/replyflow/internal/faults"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/logging"
)

// Client is the conversation AI gateway.
type Client struct {
	api     openai.Client
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewClient creates a gateway talking to the OpenAI API.
func NewClient(apiKey string, logger *slog.Logger, metrics *instrumentation.Metrics) *Client {
	return &Client{
		api:     openai.NewClient(option.WithAPIKey(apiKey)),
		logger:  logger.With(logging.Service("openai")),
		metrics: metrics,
	}
}

// CreateThread creates an empty conversation thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	start := time.Now()
	thread, err := c.api.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	c.record(ctx, "thread_create", start, err)
	if err != nil {
		return "", external("thread_create", err)
	}
	return thread.ID, nil
}

// AddMessage appends a message to a thread.
func (c *Client) AddMessage(ctx context.Context, threadID, role, content string) (string, error) {
	params := openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRole(role),
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(content),
		},
	}

	start := time.Now()
	msg, err := c.api.Beta.Threads.Messages.New(ctx, threadID, params)
	c.record(ctx, "message_add", start, err)
	if err != nil {
		return "", external("message_add", err)
	}
	return msg.ID, nil
}

// StartRun starts a run of the assistant against the thread.
func (c *Client) StartRun(ctx context.Context, threadID, assistantID, instructions string) (Run, error) {
	params := openai.BetaThreadRunNewParams{
		AssistantID: assistantID,
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	start := time.Now()
	run, err := c.api.Beta.Threads.Runs.New(ctx, threadID, params)
	c.record(ctx, "run_create", start, err)
	if err != nil {
		return Run{}, external("run_create", err)
	}
	return Run{ID: run.ID, Status: RunStatus(run.Status)}, nil
}

// GetRun fetches the current status of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	start := time.Now()
	run, err := c.api.Beta.Threads.Runs.Get(ctx, threadID, runID)
	c.record(ctx, "run_get", start, err)
	if err != nil {
		return Run{}, external("run_get", err)
	}
	return Run{ID: run.ID, Status: RunStatus(run.Status)}, nil
}

// ListRuns returns all runs associated with a thread, newest first.
func (c *Client) ListRuns(ctx context.Context, threadID string) ([]Run, error) {
	start := time.Now()
	page, err := c.api.Beta.Threads.Runs.List(ctx, threadID, openai.BetaThreadRunListParams{})
	c.record(ctx, "run_list", start, err)
	if err != nil {
		return nil, external("run_list", err)
	}

	runs := make([]Run, 0, len(page.Data))
	for _, run := range page.Data {
		runs = append(runs, Run{ID: run.ID, Status: RunStatus(run.Status)})
	}
	return runs, nil
}

// CancelRun requests cancellation of a run. Cancellation is asynchronous:
// confirmation goes through AwaitTerminal. A run that is already terminal
// is reported as success.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	start := time.Now()
	_, err := c.api.Beta.Threads.Runs.Cancel(ctx, threadID, runID)
	c.record(ctx, "run_cancel", start, err)
	if err != nil {
		// The provider rejects cancellation of runs that already finished.
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 400 &&
			strings.Contains(apiErr.Error(), "Cannot cancel run") {
			return nil
		}
		return external("run_cancel", err)
	}
	return nil
}

// ListMessages returns up to limit messages of a thread in the given order.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int, order string) ([]Message, error) {
	params := openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrder(order),
	}
	if limit > 0 {
		params.Limit = openai.Int(int64(limit))
	}

	start := time.Now()
	page, err := c.api.Beta.Threads.Messages.List(ctx, threadID, params)
	c.record(ctx, "message_list", start, err)
	if err != nil {
		return nil, external("message_list", err)
	}

	messages := make([]Message, 0, len(page.Data))
	for _, msg := range page.Data {
		messages = append(messages, Message{
			ID:   msg.ID,
			Role: string(msg.Role),
			Text: messageText(msg),
		})
	}
	return messages, nil
}

// DeleteMessage removes a message from a thread. A "not found" answer is
// treated as success: the message being gone is the desired outcome.
func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	start := time.Now()
	_, err := c.api.Beta.Threads.Messages.Delete(ctx, threadID, messageID)
	c.record(ctx, "message_delete", start, err)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil
		}
		return external("message_delete", err)
	}
	return nil
}

// LatestAssistantMessage returns the text of the newest assistant-authored
// message on the thread, or an empty string if there is none.
func (c *Client) LatestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	messages, err := c.ListMessages(ctx, threadID, 10, OrderDesc)
	if err != nil {
		return "", err
	}
	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			return msg.Text, nil
		}
	}
	return "", nil
}

// messageText flattens a message's text content blocks.
func messageText(msg openai.Message) string {
	var b strings.Builder
	for _, part := range msg.Content {
		if part.Type == "text" {
			b.WriteString(part.Text.Value)
		}
	}
	return b.String()
}

func (c *Client) record(ctx context.Context, operation string, start time.Time, err error) {
	status := logging.StatusSuccess
	if err != nil {
		status = logging.StatusError
	}
	c.metrics.RecordGatewayOperation(ctx, "openai", operation, status, time.Since(start))
}

func external(op string, err error) error {
	return fmt.Errorf("openai %s: %w: %v", op, faults.ErrExternalService, err)
}
