package reconcile

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/replyflow/replyflow/internal/faults"
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", faults.ErrMalformedNotification, fmt.Sprintf(format, args...))
}

// pushEnvelope is the Pub/Sub push wrapper around a Gmail notification.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notification is the decoded mailbox-change event.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
}

// ParseNotification decodes a Pub/Sub push payload into a Notification.
// Any missing field or undecodable body is a malformed notification: Pub/Sub
// delivers at least once, so garbage and replays must be dropped, not raised.
func ParseNotification(payload []byte) (Notification, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Notification{}, malformed("invalid envelope: %v", err)
	}
	if envelope.Message.Data == "" {
		return Notification{}, malformed("envelope has no message data")
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		// Some publishers use the URL-safe alphabet.
		data, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			return Notification{}, malformed("message data is not base64: %v", err)
		}
	}

	// historyId arrives as a JSON number from Gmail but as a string from
	// some relays; accept both.
	var body struct {
		EmailAddress string      `json:"emailAddress"`
		HistoryID    json.Number `json:"historyId"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return Notification{}, malformed("invalid notification body: %v", err)
	}
	if body.EmailAddress == "" {
		return Notification{}, malformed("notification has no emailAddress")
	}
	if body.HistoryID == "" {
		return Notification{}, malformed("notification has no historyId")
	}

	historyID, err := parseHistoryID(body.HistoryID.String())
	if err != nil {
		return Notification{}, malformed("invalid historyId %q", body.HistoryID)
	}

	return Notification{
		EmailAddress: strings.ToLower(body.EmailAddress),
		HistoryID:    historyID,
	}, nil
}

func parseHistoryID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("historyId must be positive")
	}
	return id, nil
}
