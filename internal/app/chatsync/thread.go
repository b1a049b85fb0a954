package chatsync

import (
	"context"
	"fmt"

	"estatepro/internal/app/live"
	"estatepro/internal/app/messages"
	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// ThreadView is an open message thread kept current by push and poll.
type ThreadView struct {
	*lifecycle
	conversationID string
	store          *messages.Store
	messages       *live.Stream[[]chat.Message]
	writer         *DirectWriter
}

func (e *Engine) openThread(conversationID string) *ThreadView {
	v := &ThreadView{
		lifecycle:      newLifecycle("thread", e.logger.With("conversation_id", conversationID), e.diag),
		conversationID: conversationID,
		messages:       live.NewStream[[]chat.Message](),
		writer:         e.writer,
	}
	v.store = messages.NewStore(messages.Options{
		Sender:      e.sender,
		Diagnostics: e.diag,
		OnChange: func(_ string, thread []chat.Message) {
			v.messages.Publish(thread)
		},
	})
	v.onClose = v.messages.Close

	v.subscribe(e.gw, policies.FeedFilter{
		Table:          policies.TableMessages,
		ConversationID: conversationID,
	}, threadPush(v.active.Load, e.diag, v.store, conversationID))
	v.poll(e.cfg.PollInterval, e.observer, func(ctx context.Context) error {
		return v.refresh(ctx, e)
	})
	return v
}

func (v *ThreadView) refresh(ctx context.Context, e *Engine) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	thread, err := e.gw.ListMessages(callCtx, v.conversationID)
	if !v.active.Load() {
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%w: list messages: %w", chat.ErrLoadFailed, err)
		v.loaded(err)
		return err
	}
	if !v.store.Append(v.conversationID, thread) {
		if _, ok := v.messages.Current(); !ok {
			v.messages.Publish(v.Snapshot())
		}
	}
	v.loaded(nil)
	return nil
}

func (v *ThreadView) ConversationID() string {
	return v.conversationID
}

// Messages streams the ordered thread after every change.
func (v *ThreadView) Messages() *live.Stream[[]chat.Message] {
	return v.messages
}

// Snapshot returns the current ordered thread, never nil.
func (v *ThreadView) Snapshot() []chat.Message {
	thread := v.store.Messages(v.conversationID)
	if thread == nil {
		thread = []chat.Message{}
	}
	return thread
}

// Send writes body as the current actor and shows it once acknowledged.
// On failure nothing is shown and the caller keeps the draft.
func (v *ThreadView) Send(ctx context.Context, body string) (chat.Message, error) {
	if !v.active.Load() {
		return chat.Message{}, fmt.Errorf("%w: %w", chat.ErrSendFailed, ErrViewClosed)
	}
	return v.writer.SendAndAppend(ctx, v.store, v.conversationID, body)
}

// Close unsubscribes push, stops polling and closes the streams. It is
// idempotent.
func (v *ThreadView) Close() error {
	return v.close()
}
