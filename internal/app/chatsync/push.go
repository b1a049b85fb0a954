package chatsync

import (
	"context"
	"fmt"

	"estatepro/internal/app/conversations"
	"estatepro/internal/app/messages"
	"estatepro/internal/app/policies"
	"estatepro/internal/app/reconcile"
	"estatepro/internal/domain/chat"
)

const (
	sourcePush = "push"

	ReasonSubscribeFailed = "subscribe_failed"
)

func subscribe(ctx context.Context, feed policies.ChangeFeed, filter policies.FeedFilter, handler policies.ChangeHandler) (policies.Subscription, error) {
	if feed == nil {
		return nil, fmt.Errorf("%w: no change feed configured", chat.ErrSubscription)
	}
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrSubscription, err)
	}
	sub, err := feed.Subscribe(ctx, filter, handler)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrSubscription, err)
	}
	return sub, nil
}

func filterScope(f policies.FeedFilter) string {
	if f.ConversationID != "" {
		return f.ConversationID
	}
	return f.ParticipantID
}

// Rows are immutable, so an UPDATE is merged like a re-delivered INSERT.
// Deletes belong to moderation and are not applied.
func mergeable(op policies.OpKind) bool {
	return op == policies.OpInsert || op == policies.OpUpdate
}

func reportMalformed(diag policies.Diagnostics, ch policies.Change, err error) {
	diag.Report(policies.Diagnostic{
		Source:   sourcePush,
		Reason:   reconcile.ReasonMalformed,
		EntityID: ch.ConversationID,
		Err:      err,
	})
}

// threadPush feeds message inserts of one conversation into store.
func threadPush(active func() bool, diag policies.Diagnostics, store *messages.Store, conversationID string) policies.ChangeHandler {
	return func(ch policies.Change) {
		if !active() || ch.Table != policies.TableMessages || !mergeable(ch.Op) {
			return
		}
		msg, err := chat.DecodeMessageRow(ch.Row)
		if err != nil {
			reportMalformed(diag, ch, err)
			return
		}
		store.Append(conversationID, []chat.Message{msg})
	}
}

// listPush routes conversation and message inserts touching the user into
// the aggregator.
func listPush(active func() bool, diag policies.Diagnostics, agg *conversations.Aggregator) policies.ChangeHandler {
	return func(ch policies.Change) {
		if !active() || !mergeable(ch.Op) {
			return
		}
		switch ch.Table {
		case policies.TableConversations:
			conv, err := chat.DecodeConversationRow(ch.Row)
			if err != nil {
				reportMalformed(diag, ch, err)
				return
			}
			agg.OnConversationCreated(conv)
		case policies.TableMessages:
			msg, err := chat.DecodeMessageRow(ch.Row)
			if err != nil {
				reportMalformed(diag, ch, err)
				return
			}
			agg.OnMessageCreated(msg)
		}
	}
}
