// Package live publishes snapshots to observers that only care about the
// latest value.
package live

import "sync"

// Stream fans snapshots out to subscribers. Each subscriber channel holds at
// most one pending value; a slow reader skips intermediate snapshots and
// always ends up with the newest.
type Stream[T any] struct {
	mu      sync.Mutex
	current T
	hasData bool
	subs    map[chan T]struct{}
	closed  bool
}

func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[chan T]struct{})}
}

// Publish replaces the current snapshot and notifies subscribers.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.current = v
	s.hasData = true
	for ch := range s.subs {
		offerLatest(ch, v)
	}
}

// Current returns the latest snapshot and whether one was published.
func (s *Stream[T]) Current() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasData
}

// Subscribe returns a channel primed with the current snapshot, if any, and a
// cancel func. The channel is closed on cancel or when the stream closes.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan T, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	if s.hasData {
		ch <- s.current
	}
	s.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	clear(s.subs)
}

func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
