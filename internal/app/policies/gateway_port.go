package policies

import (
	"context"

	"estatepro/internal/domain/chat"
)

// ConversationRepository is the conversations side of the backend gateway.
type ConversationRepository interface {
	// FindConversation returns nil, nil when no conversation exists for the triple.
	FindConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (*chat.Conversation, error)
	// CreateConversation is idempotent on (propertyID, initiatorID, counterpartID):
	// a concurrent or repeated create returns the existing row.
	CreateConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (chat.Conversation, error)
	ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error)
}

// MessageRepository is the messages side of the backend gateway.
type MessageRepository interface {
	// ListMessages returns the full thread ordered by (created_at, id) ascending.
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	// LastMessage returns nil, nil for an empty thread.
	LastMessage(ctx context.Context, conversationID string) (*chat.Message, error)
	CreateMessage(ctx context.Context, draft chat.MessageDraft) (chat.Message, error)
}

// Directory resolves denormalized metadata. Missing entries are nil, nil.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (*chat.ParticipantProfile, error)
	GetListingSummary(ctx context.Context, propertyID string) (*chat.ListingSummary, error)
}

// Gateway is everything the sync engine consumes from the backend.
type Gateway interface {
	ConversationRepository
	MessageRepository
	Directory
	ChangeFeed
}
