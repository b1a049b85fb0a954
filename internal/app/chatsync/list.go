package chatsync

import (
	"context"

	"estatepro/internal/app/conversations"
	"estatepro/internal/app/live"
	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// ListView is the user's open conversation list.
type ListView struct {
	*lifecycle
	userID    string
	agg       *conversations.Aggregator
	summaries *live.Stream[[]chat.ConversationSummary]
}

func (e *Engine) openList(userID string) *ListView {
	v := &ListView{
		lifecycle: newLifecycle("list", e.logger.With("user_id", userID), e.diag),
		userID:    userID,
		summaries: live.NewStream[[]chat.ConversationSummary](),
	}
	v.agg = conversations.NewAggregator(e.gw, conversations.Options{
		UserID:       userID,
		PendingLimit: e.cfg.PendingLimit,
		PendingTTL:   e.cfg.PendingTTL,
		Concurrency:  e.cfg.MetadataConcurrency,
		CallTimeout:  e.cfg.CallTimeout,
		Diagnostics:  e.diag,
		Now:          e.now,
		OnChange: func(list []chat.ConversationSummary) {
			v.summaries.Publish(list)
		},
	})
	v.onClose = func() {
		v.agg.Close()
		v.summaries.Close()
	}

	handler := listPush(v.active.Load, e.diag, v.agg)
	v.subscribe(e.gw, policies.FeedFilter{Table: policies.TableConversations, ParticipantID: userID}, handler)
	v.subscribe(e.gw, policies.FeedFilter{Table: policies.TableMessages, ParticipantID: userID}, handler)
	v.poll(e.cfg.PollInterval, e.observer, v.refresh)
	return v
}

func (v *ListView) refresh(ctx context.Context) error {
	err := v.agg.LoadAll(ctx)
	if !v.active.Load() {
		return nil
	}
	if err != nil {
		v.loaded(err)
		return err
	}
	if _, ok := v.summaries.Current(); !ok {
		v.summaries.Publish(v.Snapshot())
	}
	v.loaded(nil)
	return nil
}

func (v *ListView) UserID() string {
	return v.userID
}

// Summaries streams the ordered list after every change.
func (v *ListView) Summaries() *live.Stream[[]chat.ConversationSummary] {
	return v.summaries
}

// Snapshot returns the current ordered list, never nil.
func (v *ListView) Snapshot() []chat.ConversationSummary {
	list := v.agg.Summaries()
	if list == nil {
		list = []chat.ConversationSummary{}
	}
	return list
}

func (v *ListView) Close() error {
	return v.close()
}
