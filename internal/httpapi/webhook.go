package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/replyflow/replyflow/internal/faults"
	"github.com/replyflow/replyflow/internal/logging"
)

// Push payloads are small; anything larger is garbage.
const maxWebhookBody = 1 << 20

// handleWebhook receives Gmail change notifications pushed by Pub/Sub.
//
// Only an authentication failure is reported to the caller. Processing
// failures are acknowledged with 2xx and dropped: Pub/Sub redelivers
// otherwise, and a redelivered notification re-runs from the same stale
// cursor and fails the same way again.
func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.WithOperation(s.deps.Logger, "webhook")

	if s.cfg.PubSubServiceAccount != "" {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity token"})
			return
		}
		email, err := s.deps.ValidateToken(ctx, token, s.cfg.PubSubAudience)
		if err != nil {
			log.Warn("push token validation failed", logging.Err(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid identity token"})
			return
		}
		if email != s.cfg.PubSubServiceAccount {
			log.Warn("push token from unexpected service account",
				logging.Domain(email), logging.Status(logging.StatusDropped))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unexpected service account"})
			return
		}
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warn("failed to read push body", logging.Err(err))
		c.Status(http.StatusNoContent)
		return
	}

	if err := s.deps.Engine.HandleNotification(ctx, payload); err != nil {
		switch {
		case errors.Is(err, faults.ErrMalformedNotification),
			errors.Is(err, faults.ErrUnknownAccount):
			log.Warn("notification dropped", logging.Err(err), logging.Status(logging.StatusDropped))
		default:
			log.Error("reconciliation pass failed", logging.Err(err))
		}
	}

	c.Status(http.StatusNoContent)
}
