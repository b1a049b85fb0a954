package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

var (
	ErrConversationNotFound = fmt.Errorf("mongo: %w", chat.ErrNotFound)
	ErrNotParticipant       = errors.New("mongo: sender is not a participant")
)

// ChatStore implements the conversation, message and directory ports on
// MongoDB. Its change feed is ChangeStreamFeed; a publisher is only needed
// when another transport carries the feed.
type ChatStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	profiles      *mongo.Collection
	listings      *mongo.Collection

	publisher policies.ChangePublisher
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

type Option func(*ChatStore)

func WithPublisher(p policies.ChangePublisher) Option {
	return func(s *ChatStore) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *ChatStore) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ChatStore) { s.logger = logger }
}

func NewChatStore(db *mongo.Database, opts ...Option) *ChatStore {
	s := &ChatStore{
		conversations: db.Collection(collConversations),
		messages:      db.Collection(collMessages),
		profiles:      db.Collection(collProfiles),
		listings:      db.Collection(collListings),
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the triple uniqueness constraint and the read paths.
func (s *ChatStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "property_id", Value: 1}, {Key: "initiator_id", Value: 1}, {Key: "counterpart_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: conversation indexes: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: message indexes: %w", err)
	}
	return nil
}

func tripleFilter(propertyID, initiatorID, counterpartID string) bson.M {
	return bson.M{"property_id": propertyID, "initiator_id": initiatorID, "counterpart_id": counterpartID}
}

func (s *ChatStore) FindConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (*chat.Conversation, error) {
	var doc conversationDocument
	err := s.conversations.FindOne(ctx, tripleFilter(propertyID, initiatorID, counterpartID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv := doc.toDomain()
	return &conv, nil
}

// CreateConversation upserts on the triple with $setOnInsert, so a repeat or
// a concurrent create reads back the row that won.
func (s *ChatStore) CreateConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (chat.Conversation, error) {
	candidate := newConversationDocument(chat.Conversation{
		ID:            s.newID(),
		PropertyID:    propertyID,
		InitiatorID:   initiatorID,
		CounterpartID: counterpartID,
		CreatedAt:     s.now().UTC(),
	})
	filter := tripleFilter(propertyID, initiatorID, counterpartID)
	res, err := s.conversations.UpdateOne(ctx, filter, bson.M{"$setOnInsert": candidate}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return chat.Conversation{}, err
	}
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		return chat.Conversation{}, err
	}
	conv := doc.toDomain()
	if res != nil && res.UpsertedCount == 1 {
		s.announce(ctx, policies.TableConversations, conv.ID, conv.Participants(), conv)
	}
	return conv, nil
}

func (s *ChatStore) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	cur, err := s.conversations.Find(ctx, bson.M{"participants": participantID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []conversationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]chat.Conversation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain())
	}
	return out, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain())
	}
	return out, nil
}

func (s *ChatStore) LastMessage(ctx context.Context, conversationID string) (*chat.Message, error) {
	var doc messageDocument
	err := s.messages.FindOne(ctx, bson.M{"conversation_id": conversationID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg := doc.toDomain()
	return &msg, nil
}

func (s *ChatStore) CreateMessage(ctx context.Context, draft chat.MessageDraft) (chat.Message, error) {
	var conv conversationDocument
	err := s.conversations.FindOne(ctx, bson.M{"_id": draft.ConversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Message{}, ErrConversationNotFound
	}
	if err != nil {
		return chat.Message{}, err
	}
	if !conv.toDomain().HasParticipant(draft.SenderID) {
		return chat.Message{}, ErrNotParticipant
	}
	msg := chat.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       draft.SenderID,
		SenderRole:     draft.SenderRole,
		Body:           draft.Body,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.messages.InsertOne(ctx, newMessageDocument(msg, conv.Participants)); err != nil {
		return chat.Message{}, err
	}
	s.announce(ctx, policies.TableMessages, conv.ID, conv.Participants, msg)
	return msg, nil
}

func (s *ChatStore) GetProfile(ctx context.Context, userID string) (*chat.ParticipantProfile, error) {
	var doc profileDocument
	err := s.profiles.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.toDomain(), nil
}

func (s *ChatStore) GetListingSummary(ctx context.Context, propertyID string) (*chat.ListingSummary, error) {
	var doc listingDocument
	err := s.listings.FindOne(ctx, bson.M{"_id": propertyID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.toDomain(), nil
}

func (s *ChatStore) announce(ctx context.Context, table policies.Table, conversationID string, participants []string, row any) {
	if s.publisher == nil {
		return
	}
	ch, err := policies.NewRowChange(table, policies.OpInsert, conversationID, participants, row)
	if err == nil {
		err = s.publisher.Publish(context.WithoutCancel(ctx), ch)
	}
	if err != nil {
		s.logger.Warn("publish chat change failed", "table", string(table), "conversation_id", conversationID, "error", err)
	}
}
