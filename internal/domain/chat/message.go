package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxBodyLength bounds a message body in code points.
const DefaultMaxBodyLength = 2000

type Role string

const (
	RoleBuyer Role = "buyer"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Actor is the identity a write is performed as.
type Actor struct {
	ID   string
	Role Role
}

// Message is immutable once the gateway acknowledges it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     Role      `json:"sender_role"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageDraft is what a client submits; the gateway assigns id and timestamp.
type MessageDraft struct {
	ConversationID string
	SenderID       string
	SenderRole     Role
	Body           string
}

// Validate reports ErrMalformed when identity or ordering fields are missing.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: message id is required", ErrMalformed)
	case strings.TrimSpace(m.ConversationID) == "":
		return fmt.Errorf("%w: message %s has no conversation id", ErrMalformed, m.ID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: message %s has no timestamp", ErrMalformed, m.ID)
	}
	return nil
}

// Preview projects the message into the list-view form.
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:        m.ID,
		Body:      m.Body,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}

// MessageBefore orders messages by (CreatedAt, ID).
func MessageBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// MessageID is the identity function used for deduplication.
func MessageID(m Message) string {
	return m.ID
}

// NormalizeBody trims the body and enforces 1 <= len <= limit code points.
// A non-positive limit falls back to DefaultMaxBodyLength.
func NormalizeBody(body string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultMaxBodyLength
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", fmt.Errorf("%w: message body is empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(trimmed); n > limit {
		return "", fmt.Errorf("%w: message body has %d characters, limit is %d", ErrValidation, n, limit)
	}
	return trimmed, nil
}
