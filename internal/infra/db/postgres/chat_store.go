package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// NotifyChannel is the LISTEN/NOTIFY channel writes announce themselves on.
const NotifyChannel = "chat_changes"

var (
	ErrConversationNotFound = fmt.Errorf("postgres: %w", chat.ErrNotFound)
	ErrNotParticipant       = errors.New("postgres: sender is not a participant")
)

// ChatStore does not own the pool; the caller closes it. Writes always
// NOTIFY; a publisher additionally receives the committed row.
type ChatStore struct {
	pool      *pgxpool.Pool
	publisher policies.ChangePublisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*ChatStore)

func WithClock(now func() time.Time) Option {
	return func(s *ChatStore) { s.now = now }
}

func WithPublisher(p policies.ChangePublisher) Option {
	return func(s *ChatStore) { s.publisher = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ChatStore) { s.logger = logger }
}

func NewChatStore(pool *pgxpool.Pool, opts ...Option) *ChatStore {
	s := &ChatStore{pool: pool, logger: slog.Default(), now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// notification carries ids only; listeners re-read the committed row.
type notification struct {
	Table          policies.Table `json:"table"`
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
}

const conversationColumns = `id, property_id, initiator_id, counterpart_id, created_at`

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var c chat.Conversation
	if err := row.Scan(&c.ID, &c.PropertyID, &c.InitiatorID, &c.CounterpartID, &c.CreatedAt); err != nil {
		return chat.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

const messageColumns = `id, conversation_id, sender_id, sender_role, body, created_at`

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		m    chat.Message
		role string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &role, &m.Body, &m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	m.SenderRole = chat.Role(role)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *ChatStore) FindConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (*chat.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM chat_conversations
		  WHERE property_id = $1 AND initiator_id = $2 AND counterpart_id = $3`,
		propertyID, initiatorID, counterpartID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateConversation inserts with ON CONFLICT DO NOTHING and reads back the
// winning row, so concurrent creates converge on one id.
func (s *ChatStore) CreateConversation(ctx context.Context, propertyID, initiatorID, counterpartID string) (chat.Conversation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return chat.Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created := false
	conv, err := scanConversation(tx.QueryRow(ctx,
		`INSERT INTO chat_conversations (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (property_id, initiator_id, counterpart_id) DO NOTHING
		 RETURNING `+conversationColumns,
		s.newID(), propertyID, initiatorID, counterpartID, s.now().UTC().Truncate(time.Microsecond)))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		conv, err = scanConversation(tx.QueryRow(ctx,
			`SELECT `+conversationColumns+` FROM chat_conversations
			  WHERE property_id = $1 AND initiator_id = $2 AND counterpart_id = $3`,
			propertyID, initiatorID, counterpartID))
		if err != nil {
			return chat.Conversation{}, err
		}
	case err != nil:
		return chat.Conversation{}, err
	default:
		created = true
		if err := notify(ctx, tx, notification{Table: policies.TableConversations, ID: conv.ID, ConversationID: conv.ID}); err != nil {
			return chat.Conversation{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Conversation{}, err
	}
	if created {
		s.announce(ctx, policies.TableConversations, conv.ID, conv.Participants(), conv)
	}
	return conv, nil
}

func (s *ChatStore) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM chat_conversations
		  WHERE initiator_id = $1 OR counterpart_id = $1
		  ORDER BY created_at DESC, id`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *ChatStore) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM chat_messages
		  WHERE conversation_id = $1
		  ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *ChatStore) LastMessage(ctx context.Context, conversationID string) (*chat.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM chat_messages
		  WHERE conversation_id = $1
		  ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *ChatStore) CreateMessage(ctx context.Context, draft chat.MessageDraft) (chat.Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return chat.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM chat_conversations WHERE id = $1 FOR SHARE`, draft.ConversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, ErrConversationNotFound
	}
	if err != nil {
		return chat.Message{}, err
	}
	if !conv.HasParticipant(draft.SenderID) {
		return chat.Message{}, ErrNotParticipant
	}
	msg, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO chat_messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+messageColumns,
		s.newID(), conv.ID, draft.SenderID, string(draft.SenderRole), draft.Body, s.now().UTC().Truncate(time.Microsecond)))
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := notify(ctx, tx, notification{Table: policies.TableMessages, ID: msg.ID, ConversationID: conv.ID}); err != nil {
		return chat.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Message{}, err
	}
	s.announce(ctx, policies.TableMessages, conv.ID, conv.Participants(), msg)
	return msg, nil
}

func (s *ChatStore) GetProfile(ctx context.Context, userID string) (*chat.ParticipantProfile, error) {
	var (
		p    chat.ParticipantProfile
		role string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT display_name, avatar_url, role FROM chat_profiles WHERE user_id = $1`, userID).
		Scan(&p.DisplayName, &p.AvatarURL, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Role = chat.Role(role)
	return &p, nil
}

func (s *ChatStore) GetListingSummary(ctx context.Context, propertyID string) (*chat.ListingSummary, error) {
	var l chat.ListingSummary
	err := s.pool.QueryRow(ctx,
		`SELECT title, city, price_cents, thumbnail_url FROM chat_listings WHERE property_id = $1`, propertyID).
		Scan(&l.Title, &l.City, &l.PriceCents, &l.ThumbnailURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// PutProfile and PutListing upsert directory rows; used for seeding.
func (s *ChatStore) PutProfile(ctx context.Context, userID string, p chat.ParticipantProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_profiles (user_id, display_name, avatar_url, role) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET display_name = EXCLUDED.display_name,
		   avatar_url = EXCLUDED.avatar_url, role = EXCLUDED.role`,
		userID, p.DisplayName, p.AvatarURL, string(p.Role))
	return err
}

func (s *ChatStore) PutListing(ctx context.Context, propertyID string, l chat.ListingSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_listings (property_id, title, city, price_cents, thumbnail_url) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (property_id) DO UPDATE SET title = EXCLUDED.title, city = EXCLUDED.city,
		   price_cents = EXCLUDED.price_cents, thumbnail_url = EXCLUDED.thumbnail_url`,
		propertyID, l.Title, l.City, l.PriceCents, l.ThumbnailURL)
	return err
}

// changeFor re-reads the row a notification points at.
func (s *ChatStore) changeFor(ctx context.Context, n notification) (policies.Change, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM chat_conversations WHERE id = $1`, n.ConversationID))
	if err != nil {
		return policies.Change{}, fmt.Errorf("read conversation %s: %w", n.ConversationID, err)
	}
	if n.Table == policies.TableConversations {
		return policies.NewRowChange(policies.TableConversations, policies.OpInsert, conv.ID, conv.Participants(), conv)
	}
	msg, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, n.ID))
	if err != nil {
		return policies.Change{}, fmt.Errorf("read message %s: %w", n.ID, err)
	}
	return policies.NewRowChange(policies.TableMessages, policies.OpInsert, conv.ID, conv.Participants(), msg)
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
		s.logger.Warn("postgres change publish failed", "table", table, "conversation_id", conversationID, "error", err)
	}
}

func notify(ctx context.Context, tx pgx.Tx, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload))
	return err
}
