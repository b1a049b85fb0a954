package messages

import (
	"context"
	"fmt"
	"strings"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// Sender validates message bodies and writes them through the gateway as the
// current actor. It makes exactly one attempt.
type Sender struct {
	repo     policies.MessageRepository
	identity policies.IdentityResolver
	maxBody  int
}

func NewSender(repo policies.MessageRepository, identity policies.IdentityResolver, maxBody int) *Sender {
	if maxBody <= 0 {
		maxBody = chat.DefaultMaxBodyLength
	}
	return &Sender{repo: repo, identity: identity, maxBody: maxBody}
}

func (s *Sender) Send(ctx context.Context, conversationID, body string) (chat.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return chat.Message{}, fmt.Errorf("%w: conversation id is required", chat.ErrValidation)
	}
	text, err := chat.NormalizeBody(body, s.maxBody)
	if err != nil {
		return chat.Message{}, err
	}
	actor, err := s.identity.CurrentActor(ctx)
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: resolve sender: %w", chat.ErrSendFailed, err)
	}

	msg, err := s.repo.CreateMessage(ctx, chat.MessageDraft{
		ConversationID: conversationID,
		SenderID:       actor.ID,
		SenderRole:     actor.Role,
		Body:           text,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %w", chat.ErrSendFailed, err)
	}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %w", chat.ErrSendFailed, err)
	}
	return msg, nil
}
