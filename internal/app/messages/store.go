// Package messages keeps per-conversation message sequences in
// (created_at, id) order and performs acknowledged sends.
package messages

import (
	"context"
	"fmt"
	"sync"

	"estatepro/internal/app/policies"
	"estatepro/internal/app/reconcile"
	"estatepro/internal/domain/chat"
)

const (
	sourceStore = "messages"

	// ReasonForeignConversation is reported when a batch carries a message
	// owned by another conversation.
	ReasonForeignConversation = "foreign_conversation"
)

// Rules returns the reconciliation rules for immutable messages: duplicates
// are dropped and the held copy wins.
func Rules(diag policies.Diagnostics) reconcile.Rules[chat.Message] {
	return reconcile.Rules[chat.Message]{
		ID:          chat.MessageID,
		Less:        chat.MessageBefore,
		Validate:    chat.Message.Validate,
		Source:      sourceStore,
		Diagnostics: diag,
	}
}

type Options struct {
	Sender      *Sender
	Diagnostics policies.Diagnostics
	// OnChange receives the full ordered thread after every change. It is
	// called with the store lock held and must not call back into the store.
	OnChange func(conversationID string, thread []chat.Message)
}

type Store struct {
	mu      sync.Mutex
	opts    Options
	threads map[string]*reconcile.Set[chat.Message]
}

func NewStore(opts Options) *Store {
	if opts.Diagnostics == nil {
		opts.Diagnostics = policies.Discard
	}
	return &Store{opts: opts, threads: make(map[string]*reconcile.Set[chat.Message])}
}

// Append merges a batch into the conversation's sequence and reports whether
// anything changed. Messages of other conversations are dropped.
func (s *Store) Append(conversationID string, batch []chat.Message) bool {
	if len(batch) == 0 {
		return false
	}
	owned := batch[:0:0]
	for _, msg := range batch {
		if msg.ConversationID != "" && msg.ConversationID != conversationID {
			s.opts.Diagnostics.Report(policies.Diagnostic{
				Source:   sourceStore,
				Reason:   ReasonForeignConversation,
				EntityID: msg.ID,
				Err:      fmt.Errorf("%w: message belongs to %s, not %s", chat.ErrMalformed, msg.ConversationID, conversationID),
			})
			continue
		}
		owned = append(owned, msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.thread(conversationID)
	if !set.Merge(owned...) {
		return false
	}
	if s.opts.OnChange != nil {
		s.opts.OnChange(conversationID, set.Items())
	}
	return true
}

// SendAndAppend validates and sends body, then appends the acknowledged
// message. Nothing is appended when the send fails.
func (s *Store) SendAndAppend(ctx context.Context, conversationID, body string) (chat.Message, error) {
	if s.opts.Sender == nil {
		return chat.Message{}, fmt.Errorf("%w: store has no sender", chat.ErrSendFailed)
	}
	msg, err := s.opts.Sender.Send(ctx, conversationID, body)
	if err != nil {
		return chat.Message{}, err
	}
	s.Append(conversationID, []chat.Message{msg})
	return msg, nil
}

// Messages returns a copy of the ordered thread.
func (s *Store) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	return set.Items()
}

func (s *Store) thread(conversationID string) *reconcile.Set[chat.Message] {
	set, ok := s.threads[conversationID]
	if !ok {
		set = reconcile.NewSet(Rules(s.opts.Diagnostics))
		s.threads[conversationID] = set
	}
	return set
}
