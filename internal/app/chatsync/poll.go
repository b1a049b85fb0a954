package chatsync

import (
	"context"
	"log/slog"
	"time"
)

// PollObserver is implemented by diagnostics sinks that count poll ticks.
type PollObserver interface {
	ObservePoll(view, result string)
}

// Poller refetches canonical state on a fixed interval. The first fetch runs
// immediately. Failures are logged and retried on the next tick; only
// context cancellation stops the loop.
type Poller struct {
	Interval time.Duration
	View     string
	Fetch    func(ctx context.Context) error
	Logger   *slog.Logger
	Observer PollObserver
}

func (p *Poller) Run(ctx context.Context) error {
	p.tick(ctx)
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	err := p.Fetch(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.observe("error")
		if p.Logger != nil {
			p.Logger.Warn("chat poll failed", "view", p.View, "error", err)
		}
		return
	}
	p.observe("ok")
}

func (p *Poller) observe(result string) {
	if p.Observer != nil {
		p.Observer.ObservePoll(p.View, result)
	}
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultPollInterval
	}
	return p.Interval
}
