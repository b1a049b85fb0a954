package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamKeepsLatest(t *testing.T) {
	s := NewStream[int]()
	s.Publish(1)

	ch, cancel := s.Subscribe()
	defer cancel()
	assert.Equal(t, 1, <-ch)

	s.Publish(2)
	s.Publish(3)
	assert.Equal(t, 3, <-ch)

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, 3, cur)
}

func TestStreamCloseEndsSubscribers(t *testing.T) {
	s := NewStream[string]()
	ch, cancel := s.Subscribe()

	s.Close()
	_, open := <-ch
	assert.False(t, open)
	cancel()

	s.Publish("ignored")
	_, ok := s.Current()
	assert.False(t, ok)

	late, _ := s.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestStreamCancelIsIdempotent(t *testing.T) {
	s := NewStream[int]()
	ch, cancel := s.Subscribe()
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	s.Publish(1)
	s.Close()
}
