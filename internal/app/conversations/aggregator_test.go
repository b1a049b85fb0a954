package conversations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

const me = "buyer-1"

type fakeBackend struct {
	mu            sync.Mutex
	conversations []chat.Conversation
	last          map[string]*chat.Message
	profiles      map[string]*chat.ParticipantProfile
	listings      map[string]*chat.ListingSummary
	failProfiles  map[string]error
	listErr       error
	// release, when set, blocks profile lookups until closed.
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		last:         make(map[string]*chat.Message),
		profiles:     make(map[string]*chat.ParticipantProfile),
		listings:     make(map[string]*chat.ListingSummary),
		failProfiles: make(map[string]error),
	}
}

func (f *fakeBackend) ListConversations(context.Context, string) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]chat.Conversation(nil), f.conversations...), nil
}

func (f *fakeBackend) LastMessage(_ context.Context, id string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[id], nil
}

func (f *fakeBackend) GetProfile(ctx context.Context, userID string) (*chat.ParticipantProfile, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failProfiles[userID]; err != nil {
		return nil, err
	}
	return f.profiles[userID], nil
}

func (f *fakeBackend) GetListingSummary(_ context.Context, propertyID string) (*chat.ListingSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listings[propertyID], nil
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
}

func conversation(id, agent string, minute int) chat.Conversation {
	return chat.Conversation{ID: id, PropertyID: "prop-" + id, InitiatorID: me, CounterpartID: agent, CreatedAt: at(minute)}
}

func message(id, convID string, minute int) chat.Message {
	return chat.Message{ID: id, ConversationID: convID, SenderID: me, SenderRole: chat.RoleBuyer, Body: id, CreatedAt: at(minute)}
}

func order(list []chat.ConversationSummary) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func find(t *testing.T, list []chat.ConversationSummary, id string) chat.ConversationSummary {
	t.Helper()
	for _, s := range list {
		if s.ID == id {
			return s
		}
	}
	require.Failf(t, "summary missing", "conversation %s not listed", id)
	return chat.ConversationSummary{}
}

func TestLoadAllJoinsMetadataAndOrders(t *testing.T) {
	backend := newFakeBackend()
	backend.conversations = []chat.Conversation{conversation("A", "agent-1", 0), conversation("B", "agent-2", 0)}
	msgA := message("mA", "A", 0)
	msgB := message("mB", "B", 5)
	backend.last["A"] = &msgA
	backend.last["B"] = &msgB
	backend.profiles["agent-1"] = &chat.ParticipantProfile{DisplayName: "Ann Agent", Role: chat.RoleAgent}
	backend.listings["prop-B"] = &chat.ListingSummary{Title: "Loft", City: "Lisbon", PriceCents: 120000}

	agg := NewAggregator(backend, Options{UserID: me})
	require.NoError(t, agg.LoadAll(context.Background()))

	list := agg.Summaries()
	assert.Equal(t, []string{"B", "A"}, order(list))
	assert.Equal(t, "Ann Agent", find(t, list, "A").Counterpart.DisplayName)
	assert.Equal(t, "Lisbon", find(t, list, "B").Listing.City)
	assert.Nil(t, find(t, list, "B").Counterpart)
}

func TestReorderingOnNewMessage(t *testing.T) {
	backend := newFakeBackend()
	backend.conversations = []chat.Conversation{conversation("A", "agent-1", 0), conversation("B", "agent-2", 5)}
	agg := NewAggregator(backend, Options{UserID: me})
	require.NoError(t, agg.LoadAll(context.Background()))
	require.Equal(t, []string{"B", "A"}, order(agg.Summaries()))

	agg.OnMessageCreated(message("m1", "A", 10))

	list := agg.Summaries()
	assert.Equal(t, []string{"A", "B"}, order(list))
	assert.Equal(t, "m1", list[0].LastMessage.ID)
}

func TestLastMessageNeverMovesBackwards(t *testing.T) {
	backend := newFakeBackend()
	backend.conversations = []chat.Conversation{conversation("A", "agent-1", 0)}
	agg := NewAggregator(backend, Options{UserID: me})
	require.NoError(t, agg.LoadAll(context.Background()))

	agg.OnMessageCreated(message("new", "A", 9))
	agg.OnMessageCreated(message("old", "A", 3))

	assert.Equal(t, "new", agg.Summaries()[0].LastMessage.ID)
}

func TestMetadataFailureKeepsConversationListed(t *testing.T) {
	var reports []policies.Diagnostic
	var mu sync.Mutex
	diag := policies.DiagnosticsFunc(func(d policies.Diagnostic) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, d)
	})
	backend := newFakeBackend()
	backend.conversations = []chat.Conversation{conversation("A", "agent-1", 0), conversation("B", "agent-2", 1)}
	backend.failProfiles["agent-1"] = errors.New("profiles unavailable")
	backend.profiles["agent-2"] = &chat.ParticipantProfile{DisplayName: "Bo"}

	agg := NewAggregator(backend, Options{UserID: me, Diagnostics: diag})
	require.NoError(t, agg.LoadAll(context.Background()))

	list := agg.Summaries()
	assert.Equal(t, []string{"B", "A"}, order(list))
	assert.Nil(t, find(t, list, "A").Counterpart)
	require.Len(t, reports, 1)
	assert.Equal(t, ReasonMetadataFailed, reports[0].Reason)
	assert.Equal(t, "A", reports[0].EntityID)
}

func TestLoadAllFailureIsLoadFailed(t *testing.T) {
	backend := newFakeBackend()
	backend.listErr = errors.New("timeout")
	agg := NewAggregator(backend, Options{UserID: me})

	err := agg.LoadAll(context.Background())
	assert.ErrorIs(t, err, chat.ErrLoadFailed)
	assert.Empty(t, agg.Summaries())
}

func TestConversationThenMessageWhileMetadataInFlight(t *testing.T) {
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	backend.profiles["agent-9"] = &chat.ParticipantProfile{DisplayName: "Nina"}
	agg := NewAggregator(backend, Options{UserID: me})
	defer agg.Close()

	conv := conversation("C", "agent-9", 0)
	agg.OnConversationCreated(conv)
	agg.OnMessageCreated(message("M", "C", 1))
	close(backend.release)
	agg.Wait()

	list := agg.Summaries()
	require.Len(t, list, 1)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "M", list[0].LastMessage.ID)
	require.NotNil(t, list[0].Counterpart)
	assert.Equal(t, "Nina", list[0].Counterpart.DisplayName)
}

func TestMessageThenConversation(t *testing.T) {
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	agg := NewAggregator(backend, Options{UserID: me})
	defer agg.Close()

	agg.OnMessageCreated(message("M", "C", 1))
	assert.Equal(t, 1, agg.PendingLen())

	agg.OnConversationCreated(conversation("C", "agent-9", 0))
	assert.Zero(t, agg.PendingLen())
	assert.Equal(t, "M", agg.Summaries()[0].LastMessage.ID)

	close(backend.release)
	agg.Wait()
	assert.Equal(t, "M", agg.Summaries()[0].LastMessage.ID)
}

func TestNewConversationLandsFirst(t *testing.T) {
	backend := newFakeBackend()
	backend.conversations = []chat.Conversation{conversation("A", "agent-1", 0), conversation("B", "agent-2", 5)}
	agg := NewAggregator(backend, Options{UserID: me})
	require.NoError(t, agg.LoadAll(context.Background()))

	agg.OnConversationCreated(conversation("Z", "agent-3", 7))
	agg.Wait()
	assert.Equal(t, []string{"Z", "B", "A"}, order(agg.Summaries()))
}

func TestOtherUsersConversationIgnored(t *testing.T) {
	agg := NewAggregator(newFakeBackend(), Options{UserID: me})
	agg.OnConversationCreated(chat.Conversation{ID: "X", InitiatorID: "someone", CounterpartID: "agent-1", CreatedAt: at(0)})
	agg.Wait()
	assert.Empty(t, agg.Summaries())
}

func TestPendingBufferIsBounded(t *testing.T) {
	var evicted []string
	diag := policies.DiagnosticsFunc(func(d policies.Diagnostic) {
		if d.Reason == ReasonPendingEvicted {
			evicted = append(evicted, d.EntityID)
		}
	})
	now := at(0)
	agg := NewAggregator(newFakeBackend(), Options{
		UserID:       me,
		PendingLimit: 3,
		Diagnostics:  diag,
		Now:          func() time.Time { return now },
	})

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		agg.OnMessageCreated(message(fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i), i))
	}

	assert.Equal(t, 3, agg.PendingLen())
	assert.Equal(t, []string{"m0", "m1"}, evicted)
}

func TestPendingBufferExpires(t *testing.T) {
	now := at(0)
	var evicted int
	agg := NewAggregator(newFakeBackend(), Options{
		UserID:      me,
		PendingTTL:  time.Minute,
		Diagnostics: policies.DiagnosticsFunc(func(policies.Diagnostic) { evicted++ }),
		Now:         func() time.Time { return now },
	})

	agg.OnMessageCreated(message("m1", "ghost", 0))
	agg.OnMessageCreated(message("m2", "ghost", 1))
	assert.Equal(t, 1, agg.PendingLen(), "one entry per conversation")

	now = now.Add(2 * time.Minute)
	assert.Zero(t, agg.PendingLen())
	assert.Equal(t, 1, evicted)

	agg.OnConversationCreated(conversation("ghost", "agent-1", 0))
	agg.Wait()
	assert.Nil(t, agg.Summaries()[0].LastMessage)
}

func TestCloseDiscardsInFlightMetadata(t *testing.T) {
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	backend.profiles["agent-9"] = &chat.ParticipantProfile{DisplayName: "Nina"}
	agg := NewAggregator(backend, Options{UserID: me})

	agg.OnConversationCreated(conversation("C", "agent-9", 0))
	agg.Close()
	close(backend.release)
	agg.Wait()

	list := agg.Summaries()
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Counterpart)

	agg.OnMessageCreated(message("late", "C", 3))
	assert.Nil(t, agg.Summaries()[0].LastMessage)
}
