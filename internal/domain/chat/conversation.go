package chat

import (
	"fmt"
	"strings"
	"time"
)

// Conversation is a buyer/agent thread about one property. It is unique per
// (PropertyID, InitiatorID, CounterpartID) and never mutated after creation.
type Conversation struct {
	ID            string    `json:"id"`
	PropertyID    string    `json:"property_id"`
	InitiatorID   string    `json:"initiator_id"`
	CounterpartID string    `json:"counterpart_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate reports ErrMalformed when identity or ordering fields are missing.
func (c Conversation) Validate() error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("%w: conversation id is required", ErrMalformed)
	case c.CreatedAt.IsZero():
		return fmt.Errorf("%w: conversation %s has no timestamp", ErrMalformed, c.ID)
	}
	return nil
}

// HasParticipant reports whether userID is one side of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.InitiatorID == userID || c.CounterpartID == userID)
}

// Participants returns both sides, initiator first.
func (c Conversation) Participants() []string {
	return []string{c.InitiatorID, c.CounterpartID}
}

// OtherParticipant returns the side that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.InitiatorID == userID {
		return c.CounterpartID
	}
	return c.InitiatorID
}

// ParticipantProfile is the denormalized profile shown next to a conversation.
type ParticipantProfile struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

// ListingSummary is the denormalized property card shown next to a conversation.
type ListingSummary struct {
	Title        string `json:"title"`
	City         string `json:"city,omitempty"`
	PriceCents   int64  `json:"price_cents"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// MessagePreview is the last-message projection kept on a summary.
type MessagePreview struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary is the list-view projection. Counterpart, Listing and
// LastMessage are best-effort caches and may be nil.
type ConversationSummary struct {
	Conversation
	Counterpart *ParticipantProfile `json:"counterpart,omitempty"`
	Listing     *ListingSummary     `json:"listing,omitempty"`
	LastMessage *MessagePreview     `json:"last_message,omitempty"`
}

// LastActivity is max(LastMessage.CreatedAt, CreatedAt).
func (s ConversationSummary) LastActivity() time.Time {
	if s.LastMessage != nil && s.LastMessage.CreatedAt.After(s.CreatedAt) {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

// SummaryBefore orders summaries by last activity descending, then by
// conversation id ascending.
func SummaryBefore(a, b ConversationSummary) bool {
	at, bt := a.LastActivity(), b.LastActivity()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID < b.ID
}

// SummaryID is the identity function used for deduplication.
func SummaryID(s ConversationSummary) string {
	return s.ID
}

// NewerPreview returns whichever preview is later in (CreatedAt, ID) order.
func NewerPreview(a, b *MessagePreview) *MessagePreview {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.CreatedAt.After(a.CreatedAt):
		return b
	case b.CreatedAt.Equal(a.CreatedAt) && b.ID > a.ID:
		return b
	}
	return a
}
