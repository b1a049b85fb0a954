package policies

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
)

type Table string

const (
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"
)

type OpKind string

const (
	OpInsert OpKind = "INSERT"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

var ErrInvalidFilter = errors.New("feed: filter needs a table and a conversation or participant scope")

// Change is one row-level event on the change feed. ConversationID and
// Participants are routing fields copied from the row so subscribers can be
// matched without decoding it.
type Change struct {
	Table          Table           `json:"table"`
	Op             OpKind          `json:"op"`
	ConversationID string          `json:"conversation_id"`
	Participants   []string        `json:"participants,omitempty"`
	Row            json.RawMessage `json:"row"`
}

// FeedFilter scopes a subscription to one table and either one conversation
// or every row touching one participant.
type FeedFilter struct {
	Table          Table
	ConversationID string
	ParticipantID  string
}

func (f FeedFilter) Validate() error {
	if f.Table != TableConversations && f.Table != TableMessages {
		return ErrInvalidFilter
	}
	if f.ConversationID == "" && f.ParticipantID == "" {
		return ErrInvalidFilter
	}
	return nil
}

// Matches applies the filter predicate to a change.
func (f FeedFilter) Matches(ch Change) bool {
	if ch.Table != f.Table {
		return false
	}
	if f.ConversationID != "" && ch.ConversationID != f.ConversationID {
		return false
	}
	if f.ParticipantID != "" && !slices.Contains(ch.Participants, f.ParticipantID) {
		return false
	}
	return true
}

type ChangeHandler func(ch Change)

// Subscription is a live change-feed registration.
type Subscription interface {
	Close() error
}

// ChangeFeed delivers changes at least once, with no ordering guarantee and
// no disconnect signal.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter FeedFilter, onEvent ChangeHandler) (Subscription, error)
}

// ChangePublisher is implemented by transports that backends without a native
// feed publish their writes to.
type ChangePublisher interface {
	Publish(ctx context.Context, ch Change) error
}

// NewRowChange encodes row as JSON into a change.
func NewRowChange(table Table, op OpKind, conversationID string, participants []string, row any) (Change, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Change{}, err
	}
	return Change{
		Table:          table,
		Op:             op,
		ConversationID: conversationID,
		Participants:   append([]string(nil), participants...),
		Row:            raw,
	}, nil
}
