// Package chatsync keeps conversation lists and message threads consistent
// while they are fed by direct writes, a change feed and periodic polling.
package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"estatepro/internal/app/messages"
	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

// Engine opens views over one gateway. Views are independent: each owns its
// own store and transports.
type Engine struct {
	gw       policies.Gateway
	identity policies.IdentityResolver
	cfg      Config
	logger   *slog.Logger
	diag     policies.Diagnostics
	observer PollObserver
	now      func() time.Time

	sender *messages.Sender
	writer *DirectWriter
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDiagnostics sets the sink for recovered errors. A sink that also
// implements PollObserver counts poll ticks.
func WithDiagnostics(diag policies.Diagnostics) Option {
	return func(e *Engine) {
		if diag == nil {
			return
		}
		e.diag = diag
		if obs, ok := diag.(PollObserver); ok {
			e.observer = obs
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(gw policies.Gateway, identity policies.IdentityResolver, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		gw:       gw,
		identity: identity,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		diag:     policies.Discard,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sender = messages.NewSender(gw, identity, e.cfg.MaxBody)
	e.writer = NewDirectWriter(gw, identity, e.sender, e.cfg.CallTimeout)
	return e
}

// OpenThread opens a live view of one conversation. The view starts in
// Loading; the first successful fetch moves it to Live.
func (e *Engine) OpenThread(ctx context.Context, conversationID string) (*ThreadView, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", chat.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.logger.Debug("open thread", "conversation_id", conversationID)
	return e.openThread(conversationID), nil
}

// OpenConversationList opens a live view of userID's conversations. An
// empty userID means the current actor.
func (e *Engine) OpenConversationList(ctx context.Context, userID string) (*ListView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		actor, err := e.identity.CurrentActor(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve user: %w", chat.ErrLoadFailed, err)
		}
		userID = actor.ID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", chat.ErrValidation)
	}
	e.logger.Debug("open conversation list", "user_id", userID)
	return e.openList(userID), nil
}

// StartOrResumeConversation returns the id of the current actor's
// conversation with counterpartID about propertyID, creating it once.
func (e *Engine) StartOrResumeConversation(ctx context.Context, propertyID, counterpartID string) (string, error) {
	conv, err := e.writer.StartOrResume(ctx, propertyID, counterpartID)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// SendMessage writes a message outside any open view.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string) (chat.Message, error) {
	msg, err := e.writer.Send(ctx, conversationID, body)
	if err != nil {
		e.logger.Debug("send message failed", "conversation_id", conversationID, "error", err)
	}
	return msg, err
}
