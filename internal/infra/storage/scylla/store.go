package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

var (
	ErrConversationNotFound = fmt.Errorf("scylla: %w", chat.ErrNotFound)
	ErrNotParticipant       = errors.New("scylla: sender is not a participant")
	errNoSession            = errors.New("scylla session not initialized")
)

// Store wraps Scylla queries for conversations, messages and the directory.
// Scylla has no change feed of its own, so committed writes go to the
// configured publisher.
type Store struct {
	session   *gocql.Session
	publisher policies.ChangePublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore builds a Store. A nil publisher leaves views on polling alone.
func NewStore(session *gocql.Session, publisher policies.ChangePublisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{session: session, publisher: publisher, logger: logger, now: time.Now}
}

const conversationColumns = `id, property_id, initiator_id, counterpart_id, created_at`

func (s *Store) getConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	var c chat.Conversation
	err := s.session.
		Query(`SELECT `+conversationColumns+` FROM conversations WHERE id = ? LIMIT 1`, id).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&c.ID, &c.PropertyID, &c.InitiatorID, &c.CounterpartID, &c.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) FindConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (*chat.Conversation, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	var id string
	err := s.session.
		Query(`SELECT conversation_id FROM conversation_keys WHERE property_id = ? AND initiator_id = ? AND counterpart_id = ?`,
			propertyID, initiatorID, counterpartID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.getConversation(ctx, id)
}

// CreateConversation writes the row, then claims the triple with a
// lightweight transaction. The loser removes its row and returns the winner's.
func (s *Store) CreateConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (chat.Conversation, error) {
	if s.session == nil {
		return chat.Conversation{}, errNoSession
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	conv := chat.Conversation{
		ID:            gocql.UUIDFromTime(now).String(),
		PropertyID:    propertyID,
		InitiatorID:   initiatorID,
		CounterpartID: counterpartID,
		CreatedAt:     now,
	}
	if err := s.session.
		Query(`INSERT INTO conversations (`+conversationColumns+`, participants) VALUES (?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.PropertyID, conv.InitiatorID, conv.CounterpartID, conv.CreatedAt, conv.Participants()).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return chat.Conversation{}, err
	}

	existing := map[string]interface{}{}
	applied, err := s.session.
		Query(`INSERT INTO conversation_keys (property_id, initiator_id, counterpart_id, conversation_id) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
			propertyID, initiatorID, counterpartID, conv.ID).
		WithContext(ctx).
		MapScanCAS(existing)
	if err != nil {
		return chat.Conversation{}, err
	}
	if applied {
		s.announce(ctx, policies.TableConversations, conv.ID, conv.Participants(), conv)
		return conv, nil
	}

	if err := s.session.Query(`DELETE FROM conversations WHERE id = ?`, conv.ID).WithContext(ctx).Exec(); err != nil {
		s.logger.Warn("failed to remove losing conversation row", "conversation_id", conv.ID, "error", err)
	}
	winnerID, _ := existing["conversation_id"].(string)
	winner, err := s.getConversation(ctx, winnerID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if winner == nil {
		return chat.Conversation{}, fmt.Errorf("scylla: conversation %s claimed but not readable", winnerID)
	}
	return *winner, nil
}

// ListConversations scans by participant membership.
func (s *Store) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT `+conversationColumns+` FROM conversations WHERE participants CONTAINS ? ALLOW FILTERING`, participantID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()

	var (
		c     chat.Conversation
		convs = make([]chat.Conversation, 0)
	)
	for iter.Scan(&c.ID, &c.PropertyID, &c.InitiatorID, &c.CounterpartID, &c.CreatedAt) {
		c.CreatedAt = c.CreatedAt.UTC()
		convs = append(convs, c)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

const messageColumns = `conversation_id, message_id, sender_id, sender_role, body, created_at`

type messageRow struct {
	conversationID string
	messageID      gocql.UUID
	senderID       string
	senderRole     string
	body           string
	createdAt      time.Time
}

func (r *messageRow) dest() []interface{} {
	return []interface{}{&r.conversationID, &r.messageID, &r.senderID, &r.senderRole, &r.body, &r.createdAt}
}

func (r messageRow) toDomain() chat.Message {
	return chat.Message{
		ID:             r.messageID.String(),
		ConversationID: r.conversationID,
		SenderID:       r.senderID,
		SenderRole:     chat.Role(r.senderRole),
		Body:           r.body,
		CreatedAt:      r.createdAt.UTC(),
	}
}

// ListMessages returns the thread oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var (
		row      messageRow
		messages = make([]chat.Message, 0)
	)
	for iter.Scan(row.dest()...) {
		messages = append(messages, row.toDomain())
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.SliceStable(messages, func(i, j int) bool { return chat.MessageBefore(messages[i], messages[j]) })
	return messages, nil
}

func (s *Store) LastMessage(ctx context.Context, conversationID string) (*chat.Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	var row messageRow
	err := s.session.
		Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY message_id DESC LIMIT 1`, conversationID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg := row.toDomain()
	return &msg, nil
}

// CreateMessage stores the message under a timeuuid whose embedded time is
// the message timestamp.
func (s *Store) CreateMessage(ctx context.Context, draft chat.MessageDraft) (chat.Message, error) {
	if s.session == nil {
		return chat.Message{}, errNoSession
	}
	conv, err := s.getConversation(ctx, draft.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}
	if conv == nil {
		return chat.Message{}, ErrConversationNotFound
	}
	if !conv.HasParticipant(draft.SenderID) {
		return chat.Message{}, ErrNotParticipant
	}
	at := s.now().UTC().Truncate(time.Millisecond)
	messageID := gocql.UUIDFromTime(at)
	if err := s.session.
		Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			conv.ID, messageID, draft.SenderID, string(draft.SenderRole), draft.Body, at).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return chat.Message{}, err
	}
	msg := chat.Message{
		ID:             messageID.String(),
		ConversationID: conv.ID,
		SenderID:       draft.SenderID,
		SenderRole:     draft.SenderRole,
		Body:           draft.Body,
		CreatedAt:      at,
	}
	s.announce(ctx, policies.TableMessages, conv.ID, conv.Participants(), msg)
	return msg, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*chat.ParticipantProfile, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	var (
		p    chat.ParticipantProfile
		role string
	)
	err := s.session.
		Query(`SELECT display_name, avatar_url, role FROM profiles WHERE user_id = ?`, userID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&p.DisplayName, &p.AvatarURL, &role)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Role = chat.Role(role)
	return &p, nil
}

func (s *Store) GetListingSummary(ctx context.Context, propertyID string) (*chat.ListingSummary, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	var l chat.ListingSummary
	err := s.session.
		Query(`SELECT title, city, price_cents, thumbnail_url FROM listings WHERE property_id = ?`, propertyID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&l.Title, &l.City, &l.PriceCents, &l.ThumbnailURL)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// announce publishes a committed row. Failures are logged; subscribers catch
// up through polling.
func (s *Store) announce(ctx context.Context, table policies.Table, conversationID string, participants []string, row any) {
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
