// Package nats carries the chat change feed over NATS core subjects.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"estatepro/internal/app/policies"
)

// Connect dials NATS with reconnects enabled. Disconnects are silent to
// subscribers; polling covers the gap.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("estatepro-chat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

const flushTimeout = 5 * time.Second

// Feed publishes every change to its conversation subject and to one subject
// per participant, so both thread and list subscriptions are plain subject
// subscriptions.
type Feed struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewFeed(nc *nats.Conn, prefix string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "estatepro.chat"
	}
	return &Feed{nc: nc, prefix: prefix, logger: logger}
}

// ConversationSubject is <prefix>.conversations.<id>.<table>.
func (f *Feed) ConversationSubject(conversationID string, table policies.Table) string {
	return f.prefix + ".conversations." + token(conversationID) + "." + string(table)
}

// UserSubject is <prefix>.users.<id>.<table>.
func (f *Feed) UserSubject(userID string, table policies.Table) string {
	return f.prefix + ".users." + token(userID) + "." + string(table)
}

func (f *Feed) Publish(ctx context.Context, ch policies.Change) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	subjects := make([]string, 0, len(ch.Participants)+1)
	if ch.ConversationID != "" {
		subjects = append(subjects, f.ConversationSubject(ch.ConversationID, ch.Table))
	}
	for _, p := range ch.Participants {
		subjects = append(subjects, f.UserSubject(p, ch.Table))
	}
	for _, subject := range subjects {
		if err := f.nc.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return f.nc.FlushWithContext(flushCtx)
}

func (f *Feed) Subscribe(ctx context.Context, filter policies.FeedFilter, onEvent policies.ChangeHandler) (policies.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	subject := f.UserSubject(filter.ParticipantID, filter.Table)
	if filter.ConversationID != "" {
		subject = f.ConversationSubject(filter.ConversationID, filter.Table)
	}
	ns, err := f.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ch policies.Change
		if err := json.Unmarshal(msg.Data, &ch); err != nil {
			f.logger.Warn("nats change undecodable", "subject", msg.Subject, "error", err)
			return
		}
		// tokens are sanitized, so the filter is re-checked on the real ids
		if filter.Matches(ch) {
			onEvent(ch)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	sub := &subscription{ns: ns, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.stop:
		}
	}()
	return sub, nil
}

type subscription struct {
	ns   *nats.Subscription
	once sync.Once
	stop chan struct{}
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.err = s.ns.Unsubscribe()
		if errors.Is(s.err, nats.ErrConnectionClosed) || errors.Is(s.err, nats.ErrBadSubscription) {
			s.err = nil
		}
	})
	return s.err
}

// token makes an id safe as a single subject token.
func token(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
