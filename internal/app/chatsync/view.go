package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"estatepro/internal/app/live"
	"estatepro/internal/app/policies"
)

// State is the lifecycle of an open view. There is no error state: a view
// whose load fails stays Loading and keeps polling.
type State int

const (
	StateClosed State = iota
	StateLoading
	StateLive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	default:
		return "closed"
	}
}

// ErrViewClosed is returned by operations on a closed view.
var ErrViewClosed = errors.New("chatsync: view closed")

// lifecycle is shared by thread and list views.
type lifecycle struct {
	name   string
	logger *slog.Logger
	diag   policies.Diagnostics

	active atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	states *live.Stream[State]

	mu      sync.Mutex
	state   State
	loadErr error
	subs    []policies.Subscription

	closeOnce sync.Once
	onClose   func()
}

func newLifecycle(name string, logger *slog.Logger, diag policies.Diagnostics) *lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	l := &lifecycle{
		name:   name,
		logger: logger,
		diag:   diag,
		ctx:    ctx,
		cancel: cancel,
		states: live.NewStream[State](),
	}
	l.active.Store(true)
	l.setState(StateLoading)
	return l
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// States streams lifecycle transitions.
func (l *lifecycle) States() *live.Stream[State] {
	return l.states
}

// Err returns the last load failure while the view is still Loading.
func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadErr
}

// AwaitLive blocks until the view is Live, the view closes or ctx ends.
func (l *lifecycle) AwaitLive(ctx context.Context) error {
	ch, cancel := l.states.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if err := l.Err(); err != nil {
				return errors.Join(ctx.Err(), err)
			}
			return ctx.Err()
		case st, ok := <-ch:
			if !ok || st == StateClosed {
				return ErrViewClosed
			}
			if st == StateLive {
				return nil
			}
		}
	}
}

func (l *lifecycle) setState(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == st || (st != StateClosed && !l.active.Load()) {
		return
	}
	l.state = st
	l.states.Publish(st)
	if l.logger != nil {
		l.logger.Debug("chat view state", "view", l.name, "state", st.String())
	}
}

// loaded records the outcome of a fetch. The first success moves the view to
// Live and clears the banner; later failures do not demote it.
func (l *lifecycle) loaded(err error) {
	if !l.active.Load() {
		return
	}
	l.mu.Lock()
	if err != nil {
		if l.state == StateLoading {
			l.loadErr = err
		}
		l.mu.Unlock()
		return
	}
	l.loadErr = nil
	l.mu.Unlock()
	l.setState(StateLive)
}

func (l *lifecycle) subscribe(feed policies.ChangeFeed, filter policies.FeedFilter, handler policies.ChangeHandler) {
	sub, err := subscribe(l.ctx, feed, filter, handler)
	if err != nil {
		l.diag.Report(policies.Diagnostic{
			Source:   sourcePush,
			Reason:   ReasonSubscribeFailed,
			EntityID: filterScope(filter),
			Err:      err,
		})
		if l.logger != nil {
			l.logger.Warn("chat push unavailable, polling only", "view", l.name, "table", string(filter.Table), "error", err)
		}
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active.Load() {
		_ = sub.Close()
		return
	}
	l.subs = append(l.subs, sub)
}

func (l *lifecycle) poll(interval time.Duration, observer PollObserver, fetch func(ctx context.Context) error) {
	p := &Poller{
		Interval: interval,
		View:     l.name,
		Fetch:    fetch,
		Logger:   l.logger,
		Observer: observer,
	}
	go func() { _ = p.Run(l.ctx) }()
}

// close tears the view down synchronously: the active guard drops, push is
// unsubscribed and polling stops. In-flight results are discarded.
func (l *lifecycle) close() error {
	var errs []error
	l.closeOnce.Do(func() {
		l.active.Store(false)
		l.cancel()
		l.mu.Lock()
		subs := l.subs
		l.subs = nil
		l.mu.Unlock()
		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if l.onClose != nil {
			l.onClose()
		}
		l.setState(StateClosed)
		l.states.Close()
	})
	return errors.Join(errs...)
}
