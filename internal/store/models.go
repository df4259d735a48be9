package store

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus enumerates the lifecycle states of a conversation.
type ConversationStatus string

const (
	StatusActive  ConversationStatus = "ACTIVE"
	StatusStopped ConversationStatus = "STOPPED"
)

// ProviderGoogle is the only OAuth provider currently supported.
const ProviderGoogle = "google"

// User is an account owner.
type User struct {
	ID        uuid.UUID
	Email     string
	APIToken  string
	CreatedAt time.Time
}

// Credential is one user's OAuth token pair for a provider.
type Credential struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       *time.Time
	UpdatedAt    time.Time
}

// Conversation is one AI-mediated email exchange. Its id equals the remote
// AI thread id.
type Conversation struct {
	ID               string
	UserID           uuid.UUID
	OwnerEmail       string
	CounterpartEmail string
	CounterpartName  string
	AssistantID      string
	Instructions     string
	Status           ConversationStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MailboxWatch is a push-notification subscription on one user's mailbox.
// A nil HistoryCursor means the watch has never been synchronized.
type MailboxWatch struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	CredentialID  uuid.UUID
	HistoryCursor *uint64
	ExpiresAt     *time.Time
	Topic         string
	UpdatedAt     time.Time
}
