package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"estatepro/internal/app/policies"
)

// ListenFeed serves the change feed over LISTEN. Each subscription takes a
// dedicated connection out of the pool for its lifetime.
type ListenFeed struct {
	pool   *pgxpool.Pool
	store  *ChatStore
	logger *slog.Logger
}

func NewListenFeed(pool *pgxpool.Pool, store *ChatStore, logger *slog.Logger) *ListenFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListenFeed{pool: pool, store: store, logger: logger}
}

func (f *ListenFeed) Subscribe(ctx context.Context, filter policies.FeedFilter, onEvent policies.ChangeHandler) (policies.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listener: %w", err)
	}
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	sub := &listenSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer conn.Close(context.WithoutCancel(listenCtx))
		for {
			n, err := conn.WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					f.logger.Warn("postgres listener stopped", "error", err)
				}
				return
			}
			f.dispatch(listenCtx, filter, n.Payload, onEvent)
		}
	}()
	return sub, nil
}

func (f *ListenFeed) dispatch(ctx context.Context, filter policies.FeedFilter, payload string, onEvent policies.ChangeHandler) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		f.logger.Warn("postgres notification undecodable", "payload", payload, "error", err)
		return
	}
	if n.Table != filter.Table {
		return
	}
	if filter.ConversationID != "" && n.ConversationID != filter.ConversationID {
		return
	}
	ch, err := f.store.changeFor(ctx, n)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			f.logger.Warn("postgres change re-read failed", "table", string(n.Table), "id", n.ID, "error", err)
		}
		return
	}
	if filter.Matches(ch) {
		onEvent(ch)
	}
}

type listenSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *listenSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
