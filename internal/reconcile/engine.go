// Package reconcile contains the reconciliation engine: it translates one
// inbound mailbox-change notification into a deterministic update of exactly
// one conversation's AI thread.
//
// The safety property the engine enforces is that a new run only ever sees
// the latest transcript and that no two runs execute concurrently against
// the same thread. Stale activity is fully drained before the thread is
// touched, and Steps 5-8 of a pass hold a per-conversation advisory lock.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/replyflow/replyflow/internal/assistant"
	"github.com/replyflow/replyflow/internal/faults"
	"github.com/replyflow/replyflow/internal/gmail"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/logging"
	"github.com/replyflow/replyflow/internal/store"
)

// State names one stage of a reconciliation pass. A pass walks
// RECEIVED → RESOLVED → DRAINING → RESETTING → RUNNING → DONE; any stage can
// fall to FAILED. No stage is re-entrant within one pass.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateResolved  State = "RESOLVED"
	StateDraining  State = "DRAINING"
	StateResetting State = "RESETTING"
	StateRunning   State = "RUNNING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// UserDirectory resolves notification accounts to local users.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (*store.User, error)
}

// ConversationSource resolves the conversation a message belongs to.
type ConversationSource interface {
	GetActiveByCounterpart(ctx context.Context, userID uuid.UUID, counterpartEmail string) (*store.Conversation, error)
}

// WatchRegistry is the engine's view of mailbox watch persistence.
type WatchRegistry interface {
	GetByUser(ctx context.Context, userID uuid.UUID) (*store.MailboxWatch, error)
	SeedCursor(ctx context.Context, userID uuid.UUID, cursor uint64) error
	AdvanceCursor(ctx context.Context, userID uuid.UUID, cursor uint64) error
}

// Mailbox is the engine's view of one user's mailbox gateway.
type Mailbox interface {
	ChangesSince(ctx context.Context, cursor uint64, ownerAddr string) (*gmail.Changes, error)
	SendReply(ctx context.Context, reply gmail.Reply) (string, error)
}

// MailboxProvider builds per-user mailbox gateways.
type MailboxProvider interface {
	MailboxFor(ctx context.Context, userID uuid.UUID) (Mailbox, error)
}

// AIGateway is the engine's view of the conversation AI provider.
type AIGateway interface {
	ListRuns(ctx context.Context, threadID string) ([]assistant.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	StartRun(ctx context.Context, threadID, assistantID, instructions string) (assistant.Run, error)
	AwaitTerminal(ctx context.Context, threadID, runID string, interval, timeout time.Duration) (assistant.Run, error)
	ListMessages(ctx context.Context, threadID string, limit int, order string) ([]assistant.Message, error)
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	AddMessage(ctx context.Context, threadID, role, content string) (string, error)
	LatestAssistantMessage(ctx context.Context, threadID string) (string, error)
}

// Config holds the engine's timeout budgets. Drain bounds confirmation of
// cancellation for stale runs; Run bounds completion of the fresh run.
type Config struct {
	DrainPollInterval time.Duration
	DrainTimeout      time.Duration
	RunPollInterval   time.Duration
	RunTimeout        time.Duration
}

// Engine orchestrates the stores and gateways for one reconciliation pass
// per notification.
type Engine struct {
	users         UserDirectory
	conversations ConversationSource
	watches       WatchRegistry
	mail          MailboxProvider
	ai            AIGateway
	locks         Locker
	cfg           Config
	logger        *slog.Logger
	metrics       *instrumentation.Metrics
	tracer        trace.Tracer
}

// New creates an Engine. A nil tracer disables tracing.
func New(users UserDirectory, conversations ConversationSource, watches WatchRegistry,
	mail MailboxProvider, ai AIGateway, locks Locker, cfg Config,
	logger *slog.Logger, metrics *instrumentation.Metrics, tracer trace.Tracer) *Engine {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("reconcile")
	}
	return &Engine{
		users:         users,
		conversations: conversations,
		watches:       watches,
		mail:          mail,
		ai:            ai,
		locks:         locks,
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}
}

// HandleNotification runs one reconciliation pass for a raw push payload.
//
// Errors are terminal for this pass only. The caller (webhook handler) is
// expected to acknowledge the notification regardless: redelivery would
// re-run from the same stale cursor and loop.
func (e *Engine) HandleNotification(ctx context.Context, payload []byte) error {
	ctx, span := e.tracer.Start(ctx, "reconcile.pass")
	defer span.End()

	start := time.Now()
	err := e.pass(ctx, span, payload)
	outcome := string(StateDone)
	if err != nil {
		outcome = string(StateFailed)
		span.RecordError(err)
	}
	e.metrics.RecordReconcilePass(ctx, outcome, time.Since(start))
	return err
}

func (e *Engine) pass(ctx context.Context, span trace.Span, payload []byte) error {
	log := logging.WithOperation(e.logger, "reconcile")
	log.Debug("pass started", logging.Status(string(StateReceived)))

	note, err := ParseNotification(payload)
	if err != nil {
		return err
	}
	log = log.With(logging.UserHash(note.EmailAddress), logging.Cursor(note.HistoryID))

	// Step 1: resolve the owning user.
	user, err := e.users.GetByEmail(ctx, note.EmailAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", faults.ErrUnknownAccount, logging.AnonymizeEmail(note.EmailAddress))
		}
		return fmt.Errorf("failed to resolve account: %w", err)
	}

	// Step 2: resolve the cursor, seeding from the payload on first contact.
	// The seed is persisted immediately: a later redelivery must find the
	// cursor and not re-run the pass from scratch.
	cursor := note.HistoryID
	watch, err := e.watches.GetByUser(ctx, user.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info("no mailbox watch yet, bootstrapping cursor from notification")
		if err := e.watches.SeedCursor(ctx, user.ID, cursor); err != nil {
			return fmt.Errorf("failed to seed history cursor: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to load mailbox watch: %w", err)
	case watch.HistoryCursor == nil:
		log.Info("mailbox watch never synchronized, bootstrapping cursor from notification")
		if err := e.watches.SeedCursor(ctx, user.ID, cursor); err != nil {
			return fmt.Errorf("failed to seed history cursor: %w", err)
		}
	default:
		cursor = *watch.HistoryCursor
	}

	// Step 3: fetch the transcript of changes since the cursor.
	mailbox, err := e.mail.MailboxFor(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	changes, err := mailbox.ChangesSince(ctx, cursor, user.Email)
	if err != nil {
		return err
	}
	if changes.CursorInvalid {
		// The stored cursor fell out of the provider's history window.
		// Reseed from the notification so the next pass starts fresh.
		log.Warn("history cursor expired, reseeding from notification")
		return e.watches.AdvanceCursor(ctx, user.ID, note.HistoryID)
	}
	if changes.Transcript == "" || changes.Counterpart == "" {
		log.Debug("no new changes, nothing to reconcile")
		return nil
	}

	// Step 4: resolve the single active conversation for this counterpart.
	conv, err := e.conversations.GetActiveByCounterpart(ctx, user.ID, changes.Counterpart)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("message is not part of a tracked exchange",
				logging.Domain(changes.Counterpart))
			return nil
		}
		return fmt.Errorf("failed to resolve conversation: %w", err)
	}
	log = logging.WithConversation(log, conv.ID)
	span.SetAttributes(attribute.String("conversation.id", conv.ID))
	log.Debug("conversation resolved", logging.Status(string(StateResolved)))

	// Steps 5-8 mutate the shared thread and require exclusive access.
	release, err := e.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("failed to acquire conversation lock: %w", err)
	}
	defer release()

	// Step 5: drain stale activity before touching the thread.
	log.Debug("draining stale runs", logging.Status(string(StateDraining)))
	if err := e.drain(ctx, log, conv.ID); err != nil {
		return err
	}

	// Step 6: reset the thread to exactly the fresh transcript.
	log.Debug("resetting thread content", logging.Status(string(StateResetting)))
	if err := e.resetThread(ctx, conv.ID, changes.Transcript); err != nil {
		return err
	}

	// Step 7: start a fresh run and wait for a terminal state.
	run, err := e.ai.StartRun(ctx, conv.ID, conv.AssistantID, conv.Instructions)
	if err != nil {
		return err
	}
	e.metrics.RecordRunStarted(ctx)
	log.Info("run started", logging.Run(run.ID), logging.Status(string(StateRunning)))

	final, runErr := e.ai.AwaitTerminal(ctx, conv.ID, run.ID, e.cfg.RunPollInterval, e.cfg.RunTimeout)

	// Step 8: advance the cursor now that a run was started, regardless of
	// its outcome. A failed generation must not cause the same history
	// window to be reprocessed forever.
	if err := e.watches.AdvanceCursor(ctx, user.ID, note.HistoryID); err != nil {
		log.Error("failed to advance history cursor", logging.Err(err))
	}

	if runErr != nil {
		if errors.Is(runErr, faults.ErrPollTimeout) {
			return fmt.Errorf("%w: run %s", faults.ErrRunTimeout, run.ID)
		}
		return runErr
	}
	log.Info("run finished", logging.Run(final.ID), logging.Status(string(final.Status)))

	if final.Status == assistant.StatusCompleted {
		e.dispatchReply(ctx, log, mailbox, conv, changes)
	}
	log.Debug("pass finished", logging.Status(string(StateDone)))
	return nil
}

// drain cancels every in-flight run on the thread and waits for each to be
// confirmed terminal within the drain budget. An unconfirmed run aborts the
// pass: proceeding would risk two runs mutating the thread concurrently.
func (e *Engine) drain(ctx context.Context, log *slog.Logger, threadID string) error {
	runs, err := e.ai.ListRuns(ctx, threadID)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		log.Info("cancelling stale run", logging.Run(run.ID), logging.Status(string(run.Status)))
		if err := e.ai.CancelRun(ctx, threadID, run.ID); err != nil {
			return err
		}
		if _, err := e.ai.AwaitTerminal(ctx, threadID, run.ID, e.cfg.DrainPollInterval, e.cfg.DrainTimeout); err != nil {
			if errors.Is(err, faults.ErrPollTimeout) {
				e.metrics.RecordDrainTimeout(ctx)
				return fmt.Errorf("%w: run %s not terminal within %s",
					faults.ErrDrainTimeout, run.ID, e.cfg.DrainTimeout)
			}
			return err
		}
	}
	return nil
}

// resetThread deletes every message on the thread and appends one user
// message carrying the transcript. Deleting an already-gone message is
// success (the gateway swallows the provider's not-found); any other
// deletion failure aborts the pass.
func (e *Engine) resetThread(ctx context.Context, threadID, transcript string) error {
	// Threads longer than one page must be drained page by page until the
	// provider reports no messages left.
	for {
		messages, err := e.ai.ListMessages(ctx, threadID, 100, assistant.OrderAsc)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			break
		}
		for _, msg := range messages {
			if err := e.ai.DeleteMessage(ctx, threadID, msg.ID); err != nil {
				return fmt.Errorf("%w: message %s: %v", faults.ErrThreadResetFailed, msg.ID, err)
			}
		}
	}
	if _, err := e.ai.AddMessage(ctx, threadID, assistant.RoleUser, transcript); err != nil {
		return err
	}
	return nil
}

// dispatchReply forwards the assistant's answer back through the mailbox.
// This is downstream of the reconciliation contract: failures are logged,
// not fatal, because the pass already succeeded and the cursor has advanced.
func (e *Engine) dispatchReply(ctx context.Context, log *slog.Logger, mailbox Mailbox, conv *store.Conversation, changes *gmail.Changes) {
	text, err := e.ai.LatestAssistantMessage(ctx, conv.ID)
	if err != nil {
		log.Error("failed to fetch assistant reply", logging.Err(err))
		e.metrics.RecordReplySent(ctx, logging.StatusError)
		return
	}
	if text == "" {
		log.Warn("run completed without an assistant message")
		return
	}

	_, err = mailbox.SendReply(ctx, gmail.Reply{
		To:        changes.Counterpart,
		Subject:   changes.Subject,
		Body:      text,
		ThreadID:  changes.ThreadID,
		InReplyTo: changes.LastMessageID,
	})
	if err != nil {
		log.Error("failed to send reply", logging.Err(err))
		e.metrics.RecordReplySent(ctx, logging.StatusError)
		return
	}
	log.Info("reply sent", logging.Domain(changes.Counterpart))
	e.metrics.RecordReplySent(ctx, logging.StatusSuccess)
}
