package chatsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"estatepro/internal/app/messages"
	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// DirectWriter performs the user's own writes. Each call is a single
// attempt bounded by the call timeout; retrying is up to the caller.
type DirectWriter struct {
	conversations policies.ConversationRepository
	identity      policies.IdentityResolver
	sender        *messages.Sender
	timeout       time.Duration
}

func NewDirectWriter(repo policies.ConversationRepository, identity policies.IdentityResolver, sender *messages.Sender, timeout time.Duration) *DirectWriter {
	return &DirectWriter{conversations: repo, identity: identity, sender: sender, timeout: timeout}
}

// StartOrResume returns the conversation between the current actor and
// counterpartID about propertyID, creating it on first contact.
func (w *DirectWriter) StartOrResume(ctx context.Context, propertyID, counterpartID string) (chat.Conversation, error) {
	propertyID = strings.TrimSpace(propertyID)
	counterpartID = strings.TrimSpace(counterpartID)
	if propertyID == "" || counterpartID == "" {
		return chat.Conversation{}, fmt.Errorf("%w: property and counterpart are required", chat.ErrValidation)
	}
	actor, err := w.identity.CurrentActor(ctx)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("%w: resolve actor: %w", chat.ErrSendFailed, err)
	}
	if actor.ID == "" {
		return chat.Conversation{}, fmt.Errorf("%w: current user is unknown", chat.ErrValidation)
	}
	if actor.ID == counterpartID {
		return chat.Conversation{}, fmt.Errorf("%w: cannot start a conversation with yourself", chat.ErrValidation)
	}

	ctx, cancel := w.callContext(ctx)
	defer cancel()
	existing, err := w.conversations.FindConversation(ctx, propertyID, actor.ID, counterpartID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("%w: find conversation: %w", chat.ErrSendFailed, err)
	}
	if existing != nil {
		return *existing, nil
	}
	conv, err := w.conversations.CreateConversation(ctx, propertyID, actor.ID, counterpartID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("%w: create conversation: %w", chat.ErrSendFailed, err)
	}
	return conv, nil
}

// Send writes a message without touching any local store.
func (w *DirectWriter) Send(ctx context.Context, conversationID, body string) (chat.Message, error) {
	ctx, cancel := w.callContext(ctx)
	defer cancel()
	return w.sender.Send(ctx, conversationID, body)
}

// SendAndAppend writes a message and appends the acknowledged copy to store.
func (w *DirectWriter) SendAndAppend(ctx context.Context, store *messages.Store, conversationID, body string) (chat.Message, error) {
	ctx, cancel := w.callContext(ctx)
	defer cancel()
	return store.SendAndAppend(ctx, conversationID, body)
}

func (w *DirectWriter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.timeout)
}
