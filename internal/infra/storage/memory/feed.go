package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"estatepro/internal/app/policies"
)

const defaultFeedQueue = 64

// Feed is an in-process change feed. Each subscriber gets its own ordered
// queue; a full queue drops the change, like a lossy realtime channel.
type Feed struct {
	mu           sync.Mutex
	subs         map[uint64]*feedSubscription
	nextID       uint64
	disconnected bool
	subscribeErr error
	queueSize    int
	dropped      atomic.Int64
}

func NewFeed(queueSize int) *Feed {
	if queueSize <= 0 {
		queueSize = defaultFeedQueue
	}
	return &Feed{subs: make(map[uint64]*feedSubscription), queueSize: queueSize}
}

func (f *Feed) Subscribe(ctx context.Context, filter policies.FeedFilter, onEvent policies.ChangeHandler) (policies.Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if f.subscribeErr != nil {
		err := f.subscribeErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextID++
	sub := &feedSubscription{
		feed:    f,
		id:      f.nextID,
		filter:  filter,
		handler: onEvent,
		queue:   make(chan policies.Change, f.queueSize),
		done:    make(chan struct{}),
	}
	f.subs[sub.id] = sub
	f.mu.Unlock()

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish fans ch out to matching subscribers without blocking.
func (f *Feed) Publish(_ context.Context, ch policies.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnected {
		return nil
	}
	for _, sub := range f.subs {
		if !sub.filter.Matches(ch) {
			continue
		}
		select {
		case sub.queue <- ch:
		default:
			f.dropped.Add(1)
		}
	}
	return nil
}

// Disconnect silently drops every change until Reconnect, the way a realtime
// channel fails without telling its subscribers.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *Feed) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = false
}

// FailSubscriptions makes later Subscribe calls return err. Nil restores them.
func (f *Feed) FailSubscriptions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// Subscribers reports how many subscriptions are open.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Dropped reports how many changes overflowed a subscriber queue.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

type feedSubscription struct {
	feed    *Feed
	id      uint64
	filter  policies.FeedFilter
	handler policies.ChangeHandler
	queue   chan policies.Change
	done    chan struct{}
	once    sync.Once
}

func (s *feedSubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case ch := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ch)
		}
	}
}

func (s *feedSubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s.id)
		s.feed.mu.Unlock()
		close(s.done)
	})
	return nil
}

var (
	_ policies.ChangeFeed      = (*Feed)(nil)
	_ policies.ChangePublisher = (*Feed)(nil)
)
