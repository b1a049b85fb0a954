package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

type fakeRepo struct {
	mu     sync.Mutex
	calls  int
	err    error
	drafts []chat.MessageDraft
	now    time.Time
}

func (f *fakeRepo) ListMessages(context.Context, string) ([]chat.Message, error) { return nil, nil }

func (f *fakeRepo) LastMessage(context.Context, string) (*chat.Message, error) { return nil, nil }

func (f *fakeRepo) CreateMessage(_ context.Context, draft chat.MessageDraft) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return chat.Message{}, f.err
	}
	f.drafts = append(f.drafts, draft)
	return chat.Message{
		ID:             fmt.Sprintf("m%d", f.calls),
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		SenderRole:     draft.SenderRole,
		Body:           draft.Body,
		CreatedAt:      f.now.Add(time.Duration(f.calls) * time.Second),
	}, nil
}

var buyer = policies.StaticIdentity{ID: "buyer-1", Role: chat.RoleBuyer}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
}

func msg(id string, minute int) chat.Message {
	return chat.Message{ID: id, ConversationID: "c1", SenderID: "buyer-1", Body: id, CreatedAt: at(minute)}
}

func ids(thread []chat.Message) []string {
	out := make([]string, 0, len(thread))
	for _, m := range thread {
		out = append(out, m.ID)
	}
	return out
}

func TestAppendIsIdempotentAndOrdered(t *testing.T) {
	store := NewStore(Options{})
	batch := []chat.Message{msg("m3", 3), msg("m1", 1), msg("m2", 1)}

	assert.True(t, store.Append("c1", batch))
	first := store.Messages("c1")
	assert.False(t, store.Append("c1", batch))
	assert.Equal(t, first, store.Messages("c1"))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(first))
}

func TestAppendDeduplicatesAcrossTransports(t *testing.T) {
	store := NewStore(Options{})
	pushed := msg("x", 5)
	store.Append("c1", []chat.Message{pushed})
	store.Append("c1", []chat.Message{msg("w", 4), pushed, msg("y", 6)})

	thread := store.Messages("c1")
	assert.Equal(t, []string{"w", "x", "y"}, ids(thread))
}

func TestAppendTreatsPaddedIDAsSameMessage(t *testing.T) {
	store := NewStore(Options{})
	store.Append("c1", []chat.Message{msg("m1 ", 1)})
	store.Append("c1", []chat.Message{msg("m1 ", 1)})
	store.Append("c1", []chat.Message{msg("m1", 1)})

	assert.Len(t, store.Messages("c1"), 1)
}

func TestAppendDropsForeignAndMalformed(t *testing.T) {
	var reasons []string
	diag := policies.DiagnosticsFunc(func(d policies.Diagnostic) { reasons = append(reasons, d.Reason) })
	store := NewStore(Options{Diagnostics: diag})

	foreign := msg("f", 2)
	foreign.ConversationID = "c2"
	noTime := msg("t", 0)
	noTime.CreatedAt = time.Time{}

	store.Append("c1", []chat.Message{foreign, noTime, msg("ok", 1)})

	assert.Equal(t, []string{"ok"}, ids(store.Messages("c1")))
	assert.ElementsMatch(t, []string{ReasonForeignConversation, "malformed"}, reasons)
	assert.Empty(t, store.Messages("c2"))
}

func TestOnChangeSeesEverySnapshot(t *testing.T) {
	var snapshots [][]string
	store := NewStore(Options{OnChange: func(id string, thread []chat.Message) {
		assert.Equal(t, "c1", id)
		snapshots = append(snapshots, ids(thread))
	}})

	store.Append("c1", []chat.Message{msg("b", 2)})
	store.Append("c1", []chat.Message{msg("b", 2)})
	store.Append("c1", []chat.Message{msg("a", 1)})

	assert.Equal(t, [][]string{{"b"}, {"a", "b"}}, snapshots)
}

func TestSendAndAppendRejectsBadBodiesWithoutCalling(t *testing.T) {
	repo := &fakeRepo{now: at(0)}
	store := NewStore(Options{Sender: NewSender(repo, buyer, 0)})

	for _, body := range []string{"", "   \n\t", strings.Repeat("a", 2001)} {
		_, err := store.SendAndAppend(context.Background(), "c1", body)
		assert.ErrorIs(t, err, chat.ErrValidation)
	}
	_, err := store.SendAndAppend(context.Background(), " ", "hello")
	assert.ErrorIs(t, err, chat.ErrValidation)

	assert.Zero(t, repo.calls)
	assert.Empty(t, store.Messages("c1"))
}

func TestSendAndAppendAppendsAcknowledged(t *testing.T) {
	repo := &fakeRepo{now: at(0)}
	store := NewStore(Options{Sender: NewSender(repo, buyer, 0)})

	sent, err := store.SendAndAppend(context.Background(), "c1", "  is the flat still available?  ")
	require.NoError(t, err)

	assert.Equal(t, "is the flat still available?", sent.Body)
	require.Len(t, repo.drafts, 1)
	assert.Equal(t, chat.RoleBuyer, repo.drafts[0].SenderRole)
	assert.Equal(t, "buyer-1", repo.drafts[0].SenderID)
	assert.Equal(t, []chat.Message{sent}, store.Messages("c1"))
}

func TestSendFailureLeavesStoreUntouched(t *testing.T) {
	cause := errors.New("connection reset")
	repo := &fakeRepo{now: at(0), err: cause}
	store := NewStore(Options{Sender: NewSender(repo, buyer, 0)})
	store.Append("c1", []chat.Message{msg("m1", 1)})

	_, err := store.SendAndAppend(context.Background(), "c1", "hello")

	assert.ErrorIs(t, err, chat.ErrSendFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, repo.calls, "no automatic retry")
	assert.Equal(t, []string{"m1"}, ids(store.Messages("c1")))
}
