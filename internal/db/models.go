package db

import (
	"time"

	"github.com/google/uuid"
)

// Notification is one outbox row: a single notification event addressed to a
// single recipient. RecipientChatID is the chat the recipient was bound to
// when the row was enqueued; rebinding later does not redirect rows already
// in flight.
type Notification struct {
	ID              uuid.UUID  `json:"id"`
	RecipientUserID uuid.UUID  `json:"recipient_user_id"`
	RecipientChatID *string    `json:"recipient_chat_id,omitempty"`
	Payload         string     `json:"payload"`
	IdempotencyKey  string     `json:"idempotency_key"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// CurrentChatID is the recipient's binding at claim time, joined in by
	// ClaimBatch. Not a column of the outbox row itself.
	CurrentChatID *string `json:"-"`
}

// Status constants. A row only ever moves pending -> sent|failed|skipped;
// pending -> pending is allowed to advance attempts and next_attempt_at.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// LinkToken is a one-time credential binding a user account to a Telegram
// chat. Redeemable while used_at is null and expires_at is in the future.
type LinkToken struct {
	Token     string     `json:"token"`
	UserID    uuid.UUID  `json:"user_id"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// User is the slice of the account entity this service touches: the display
// name (used in link confirmations) and the channel binding.
type User struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	ChatID *string   `json:"chat_id,omitempty"`
}
