package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

var (
	// ErrConversationNotFound is returned when a message targets an unknown conversation.
	ErrConversationNotFound = fmt.Errorf("memory: %w", chat.ErrNotFound)
	// ErrNotParticipant is returned when the sender is not part of the conversation.
	ErrNotParticipant = errors.New("memory: sender is not a participant")
)

// Repository keeps conversations and messages in memory. Not suitable for production.
type Repository struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	byTriple      map[string]string
	messages      map[string][]chat.Message

	publisher policies.ChangePublisher
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

type Option func(*Repository)

// WithPublisher announces every committed row on p.
func WithPublisher(p policies.ChangePublisher) Option {
	return func(r *Repository) { r.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func WithIDGenerator(next func() string) Option {
	return func(r *Repository) { r.newID = next }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

func NewRepository(opts ...Option) *Repository {
	r := &Repository{
		conversations: make(map[string]chat.Conversation),
		byTriple:      make(map[string]string),
		messages:      make(map[string][]chat.Message),
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func tripleKey(propertyID, initiatorID, counterpartID string) string {
	return propertyID + "\x00" + initiatorID + "\x00" + counterpartID
}

func (r *Repository) FindConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (*chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTriple[tripleKey(propertyID, initiatorID, counterpartID)]
	if !ok {
		return nil, nil
	}
	conv := r.conversations[id]
	return &conv, nil
}

// CreateConversation returns the existing conversation when the triple is
// already taken.
func (r *Repository) CreateConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	if strings.TrimSpace(propertyID) == "" || strings.TrimSpace(initiatorID) == "" || strings.TrimSpace(counterpartID) == "" {
		return chat.Conversation{}, fmt.Errorf("%w: property and participants are required", chat.ErrValidation)
	}
	key := tripleKey(propertyID, initiatorID, counterpartID)

	r.mu.Lock()
	if id, ok := r.byTriple[key]; ok {
		conv := r.conversations[id]
		r.mu.Unlock()
		return conv, nil
	}
	conv := chat.Conversation{
		ID:            r.newID(),
		PropertyID:    propertyID,
		InitiatorID:   initiatorID,
		CounterpartID: counterpartID,
		CreatedAt:     r.now().UTC(),
	}
	r.conversations[conv.ID] = conv
	r.byTriple[key] = conv.ID
	r.mu.Unlock()

	r.announce(ctx, policies.TableConversations, conv.ID, conv.Participants(), conv)
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.Conversation, 0)
	for _, conv := range r.conversations {
		if conv.HasParticipant(participantID) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]chat.Message(nil), r.messages[conversationID]...), nil
}

func (r *Repository) LastMessage(ctx context.Context, conversationID string) (*chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	thread := r.messages[conversationID]
	if len(thread) == 0 {
		return nil, nil
	}
	last := thread[len(thread)-1]
	return &last, nil
}

func (r *Repository) CreateMessage(ctx context.Context, draft chat.MessageDraft) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	r.mu.Lock()
	conv, ok := r.conversations[draft.ConversationID]
	if !ok {
		r.mu.Unlock()
		return chat.Message{}, ErrConversationNotFound
	}
	if !conv.HasParticipant(draft.SenderID) {
		r.mu.Unlock()
		return chat.Message{}, ErrNotParticipant
	}
	msg := chat.Message{
		ID:             r.newID(),
		ConversationID: conv.ID,
		SenderID:       draft.SenderID,
		SenderRole:     draft.SenderRole,
		Body:           draft.Body,
		CreatedAt:      r.now().UTC(),
	}
	thread := append(r.messages[conv.ID], msg)
	sort.SliceStable(thread, func(i, j int) bool { return chat.MessageBefore(thread[i], thread[j]) })
	r.messages[conv.ID] = thread
	r.mu.Unlock()

	r.announce(ctx, policies.TableMessages, conv.ID, conv.Participants(), msg)
	return msg, nil
}

// announce publishes a committed row. A publish failure does not undo the
// write; subscribers catch up through polling.
func (r *Repository) announce(ctx context.Context, table policies.Table, conversationID string, participants []string, row any) {
	if r.publisher == nil {
		return
	}
	ch, err := policies.NewRowChange(table, policies.OpInsert, conversationID, participants, row)
	if err == nil {
		err = r.publisher.Publish(context.WithoutCancel(ctx), ch)
	}
	if err != nil {
		r.logger.Warn("change publish failed", "table", string(table), "conversation_id", conversationID, "error", err)
	}
}

var (
	_ policies.ConversationRepository = (*Repository)(nil)
	_ policies.MessageRepository      = (*Repository)(nil)
)
