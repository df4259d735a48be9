package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyflow/replyflow/internal/assistant"
	"github.com/replyflow/replyflow/internal/faults"
	"github.com/replyflow/replyflow/internal/gmail"
	"github.com/replyflow/replyflow/internal/instrumentation"
	"github.com/replyflow/replyflow/internal/logging"
	"github.com/replyflow/replyflow/internal/store"
)

type createConversationRequest struct {
	RecipientEmail string `json:"recipient_email" binding:"required,email"`
	RecipientName  string `json:"recipient_name"`
	Instructions   string `json:"instructions"`
}

type runConversationRequest struct {
	AssistantID  string `json:"assistant_id" binding:"required"`
	Instructions string `json:"instructions"`
	Subject      string `json:"subject"`
}

type conversationResponse struct {
	ID               string    `json:"id"`
	OwnerEmail       string    `json:"owner_email"`
	CounterpartEmail string    `json:"counterpart_email"`
	CounterpartName  string    `json:"counterpart_name,omitempty"`
	AssistantID      string    `json:"assistant_id,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

func toConversationResponse(c *store.Conversation) conversationResponse {
	return conversationResponse{
		ID:               c.ID,
		OwnerEmail:       c.OwnerEmail,
		CounterpartEmail: c.CounterpartEmail,
		CounterpartName:  c.CounterpartName,
		AssistantID:      c.AssistantID,
		Status:           string(c.Status),
		CreatedAt:        c.CreatedAt,
	}
}

// handleCreateConversation opens a new AI thread and registers the exchange
// with the counterpart. At most one ACTIVE conversation may exist per
// (owner, counterpart) pair.
func (s *Server) handleCreateConversation(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)
	log := logging.WithOperation(s.deps.Logger, "conversation.create")

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	activity := instrumentation.NewAccountActivity("conversation.create").
		WithUser(user.Email).WithSpanContext(ctx)

	threadID, err := s.deps.Assistant.CreateThread(ctx)
	if err != nil {
		log.Error("failed to create thread", logging.Err(err))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "assistant unavailable"})
		return
	}

	conv := &store.Conversation{
		ID:               threadID,
		UserID:           user.ID,
		OwnerEmail:       user.Email,
		CounterpartEmail: req.RecipientEmail,
		CounterpartName:  req.RecipientName,
		Instructions:     req.Instructions,
		Status:           store.StatusActive,
	}
	if err := s.deps.Conversations.Create(ctx, conv); err != nil {
		if errors.Is(err, store.ErrConversationExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "an active conversation with this recipient already exists"})
			return
		}
		log.Error("failed to persist conversation", logging.Err(err))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	log.Info("conversation created", logging.Conversation(conv.ID), logging.Domain(conv.CounterpartEmail))
	s.deps.Metrics.IncrementActiveConversations(ctx)
	s.deps.Audit.Log(activity.WithConversation(conv.ID, conv.CounterpartEmail).Complete(nil))

	c.JSON(http.StatusCreated, toConversationResponse(conv))
}

// handleListConversations returns the caller's conversations.
func (s *Server) handleListConversations(c *gin.Context) {
	user := currentUser(c)

	conversations, err := s.deps.Conversations.ListByOwner(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}

	out := make([]conversationResponse, 0, len(conversations))
	for _, conv := range conversations {
		out = append(out, toConversationResponse(conv))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// handleRunConversation attaches an assistant to the conversation, makes
// sure the owner's mailbox watch is alive, runs the assistant once, and
// sends its opening message to the counterpart.
func (s *Server) handleRunConversation(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)
	log := logging.WithOperation(s.deps.Logger, "conversation.run")

	conv, ok := s.ownedConversation(c, user)
	if !ok {
		return
	}
	log = logging.WithConversation(log, conv.ID)

	var req runConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	activity := instrumentation.NewAccountActivity("conversation.run").
		WithUser(user.Email).WithConversation(conv.ID, conv.CounterpartEmail).WithSpanContext(ctx)

	if err := s.deps.Conversations.SetAssistant(ctx, conv.ID, req.AssistantID, req.Instructions); err != nil {
		log.Error("failed to set assistant", logging.Err(err))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update conversation"})
		return
	}
	instructions := req.Instructions
	if instructions == "" {
		instructions = conv.Instructions
	}

	mailbox, err := s.deps.Mail.MailboxFor(ctx, user.ID)
	if err != nil {
		log.Error("failed to open mailbox", logging.Err(err))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "mailbox unavailable"})
		return
	}

	if err := s.ensureWatch(ctx, user.ID, mailbox); err != nil {
		log.Error("failed to ensure mailbox watch", logging.Err(err))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to subscribe to mailbox changes"})
		return
	}

	// Seed the thread so the opening run has something to work from.
	if instructions != "" {
		if _, err := s.deps.Assistant.AddMessage(ctx, conv.ID, assistant.RoleUser, instructions); err != nil {
			log.Error("failed to seed thread", logging.Err(err))
			s.deps.Audit.Log(activity.Complete(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "assistant unavailable"})
			return
		}
	}

	run, err := s.deps.Assistant.StartRun(ctx, conv.ID, req.AssistantID, instructions)
	if err != nil {
		log.Error("failed to start run", logging.Err(err))
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "assistant unavailable"})
		return
	}
	s.deps.Metrics.RecordRunStarted(ctx)

	final, err := s.deps.Assistant.AwaitTerminal(ctx, conv.ID, run.ID, s.cfg.RunPollInterval, s.cfg.RunTimeout)
	if err != nil {
		log.Error("opening run did not finish", logging.Run(run.ID), logging.Err(err))
		s.deps.Audit.Log(activity.Complete(err))
		status := http.StatusBadGateway
		if errors.Is(err, faults.ErrPollTimeout) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": "opening run did not finish", "run_id": run.ID})
		return
	}

	response := gin.H{"run_id": final.ID, "run_status": string(final.Status)}
	if final.Status == assistant.StatusCompleted {
		messageID, err := s.sendOpeningEmail(ctx, mailbox, conv, req.Subject)
		if err != nil {
			log.Error("failed to send opening email", logging.Err(err))
			s.deps.Metrics.RecordReplySent(ctx, logging.StatusError)
			s.deps.Audit.Log(activity.Complete(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to send opening email", "run_id": final.ID})
			return
		}
		s.deps.Metrics.RecordReplySent(ctx, logging.StatusSuccess)
		response["message_id"] = messageID
	}

	log.Info("conversation started", logging.Run(final.ID), logging.Status(string(final.Status)))
	s.deps.Audit.Log(activity.Complete(nil))
	c.JSON(http.StatusOK, response)
}

// handleStopConversation moves a conversation to STOPPED. Notifications for
// its counterpart are ignored from the next pass on.
func (s *Server) handleStopConversation(c *gin.Context) {
	ctx := c.Request.Context()
	user := currentUser(c)

	conv, ok := s.ownedConversation(c, user)
	if !ok {
		return
	}

	activity := instrumentation.NewAccountActivity("conversation.stop").
		WithUser(user.Email).WithConversation(conv.ID, conv.CounterpartEmail).WithSpanContext(ctx)

	if err := s.deps.Conversations.UpdateStatus(ctx, conv.ID, store.StatusStopped); err != nil {
		s.deps.Audit.Log(activity.Complete(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop conversation"})
		return
	}

	if conv.Status == store.StatusActive {
		s.deps.Metrics.DecrementActiveConversations(ctx)
	}
	s.deps.Audit.Log(activity.Complete(nil))
	c.JSON(http.StatusOK, gin.H{"id": conv.ID, "status": string(store.StatusStopped)})
}

// ownedConversation loads the conversation from the path and enforces that
// the caller owns it. Replies with 404/403 and returns ok=false otherwise.
func (s *Server) ownedConversation(c *gin.Context, user *store.User) (*store.Conversation, bool) {
	conv, err := s.deps.Conversations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		}
		return nil, false
	}
	if conv.UserID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": faults.ErrNotAuthorized.Error()})
		return nil, false
	}
	return conv, true
}

// ensureWatch makes sure a live mailbox watch exists for the user,
// creating or renewing the provider subscription when it is absent or
// close to expiry. Renewal never moves the stored cursor backwards.
func (s *Server) ensureWatch(ctx context.Context, userID uuid.UUID, mailbox Mailbox) error {
	watch, err := s.deps.Watches.GetByUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		info, err := mailbox.CreateWatch(ctx)
		if err != nil {
			return err
		}
		credentialID, err := s.deps.Auth.CredentialID(ctx, userID)
		if err != nil {
			return err
		}
		cursor := info.Cursor
		return s.deps.Watches.Upsert(ctx, &store.MailboxWatch{
			UserID:        userID,
			CredentialID:  credentialID,
			HistoryCursor: &cursor,
			ExpiresAt:     &info.Expiry,
			Topic:         s.cfg.Topic,
		})
	case err != nil:
		return err
	}

	if watch.ExpiresAt != nil && time.Until(*watch.ExpiresAt) > s.cfg.WatchRenewalWindow {
		return nil
	}

	info, err := mailbox.CreateWatch(ctx)
	if err != nil {
		return err
	}
	if err := s.deps.Watches.SetSubscription(ctx, userID, s.cfg.Topic, info.Expiry); err != nil {
		return err
	}
	return s.deps.Watches.AdvanceCursor(ctx, userID, info.Cursor)
}

// sendOpeningEmail mails the assistant's first message to the counterpart.
func (s *Server) sendOpeningEmail(ctx context.Context, mailbox Mailbox, conv *store.Conversation, subject string) (string, error) {
	text, err := s.deps.Assistant.LatestAssistantMessage(ctx, conv.ID)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("run completed without an assistant message")
	}
	return mailbox.SendReply(ctx, gmail.Reply{
		To:      conv.CounterpartEmail,
		Subject: subject,
		Body:    text,
	})
}
