package chatsync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatepro/internal/app/chatsync"
	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
	"estatepro/internal/infra/storage/memory"
)

const (
	buyerID = "buyer-1"
	agentID = "agent-9"
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var buyer = policies.StaticIdentity{ID: buyerID, Role: chat.RoleBuyer}

// flakyGateway fails reads while failing is set.
type flakyGateway struct {
	*memory.Gateway
	failing atomic.Bool
}

var errBackendDown = errors.New("backend unavailable")

func (g *flakyGateway) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if g.failing.Load() {
		return nil, errBackendDown
	}
	return g.Gateway.ListMessages(ctx, conversationID)
}

func (g *flakyGateway) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	if g.failing.Load() {
		return nil, errBackendDown
	}
	return g.Gateway.ListConversations(ctx, participantID)
}

type diagnosticsRecorder struct {
	mu      sync.Mutex
	reports []policies.Diagnostic
	polls   map[string]int
}

func (r *diagnosticsRecorder) Report(d policies.Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, d)
}

func (r *diagnosticsRecorder) ObservePoll(view, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.polls == nil {
		r.polls = make(map[string]int)
	}
	r.polls[view+"/"+result]++
}

func (r *diagnosticsRecorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.reports))
	for _, d := range r.reports {
		out = append(out, d.Reason)
	}
	return out
}

func (r *diagnosticsRecorder) pollCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls[key]
}

func newGateway() *flakyGateway {
	var n atomic.Int64
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	gw := memory.NewGateway(
		memory.WithIDGenerator(func() string { return fmt.Sprintf("id-%04d", n.Add(1)) }),
		memory.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}),
		memory.WithLogger(quietLogger()),
	)
	gw.PutProfile(agentID, chat.ParticipantProfile{DisplayName: "Nina Agent", Role: chat.RoleAgent})
	gw.PutListing("prop-1", chat.ListingSummary{Title: "Sunny flat", City: "Lisbon", PriceCents: 18500})
	return &flakyGateway{Gateway: gw}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(gw policies.Gateway, diag policies.Diagnostics, interval time.Duration) *chatsync.Engine {
	opts := []chatsync.Option{chatsync.WithLogger(quietLogger())}
	if diag != nil {
		opts = append(opts, chatsync.WithDiagnostics(diag))
	}
	return chatsync.NewEngine(gw, buyer, chatsync.Config{PollInterval: interval, CallTimeout: time.Second}, opts...)
}

func awaitLive(t *testing.T, v interface {
	AwaitLive(context.Context) error
}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, v.AwaitLive(ctx))
}

func bodies(thread []chat.Message) []string {
	out := make([]string, 0, len(thread))
	for _, m := range thread {
		out = append(out, m.Body)
	}
	return out
}

func agentSays(t *testing.T, gw *flakyGateway, conversationID, body string) chat.Message {
	t.Helper()
	msg, err := gw.CreateMessage(context.Background(), chat.MessageDraft{
		ConversationID: conversationID,
		SenderID:       agentID,
		SenderRole:     chat.RoleAgent,
		Body:           body,
	})
	require.NoError(t, err)
	return msg
}

func TestStartOrResumeConversationIsIdempotent(t *testing.T) {
	gw := newGateway()
	engine := newEngine(gw, nil, time.Hour)
	ctx := context.Background()

	first, err := engine.StartOrResumeConversation(ctx, "prop-1", agentID)
	require.NoError(t, err)
	second, err := engine.StartOrResumeConversation(ctx, "prop-1", agentID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = engine.StartOrResumeConversation(ctx, "prop-1", buyerID)
	assert.ErrorIs(t, err, chat.ErrValidation)
	_, err = engine.StartOrResumeConversation(ctx, "", agentID)
	assert.ErrorIs(t, err, chat.ErrValidation)
}

func TestThreadLoadsThenGoesLive(t *testing.T) {
	gw := newGateway()
	engine := newEngine(gw, nil, time.Hour)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)
	agentSays(t, gw, convID, "first")
	agentSays(t, gw, convID, "second")

	view, err := engine.OpenThread(context.Background(), convID)
	require.NoError(t, err)
	defer view.Close()

	awaitLive(t, view)
	assert.Equal(t, chatsync.StateLive, view.State())
	assert.NoError(t, view.Err())
	assert.Equal(t, []string{"first", "second"}, bodies(view.Snapshot()))

	ch, cancel := view.Messages().Subscribe()
	defer cancel()
	assert.Equal(t, []string{"first", "second"}, bodies(<-ch))
}

func TestThreadSendShowsAcknowledgedMessage(t *testing.T) {
	gw := newGateway()
	engine := newEngine(gw, nil, time.Hour)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)
	view, err := engine.OpenThread(context.Background(), convID)
	require.NoError(t, err)
	defer view.Close()
	awaitLive(t, view)

	_, err = view.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, chat.ErrValidation)

	sent, err := view.Send(context.Background(), "Is it still available?")
	require.NoError(t, err)
	assert.Equal(t, chat.RoleBuyer, sent.SenderRole)
	assert.Equal(t, []string{"Is it still available?"}, bodies(view.Snapshot()))

	_, err = view.Send(context.Background(), "to nowhere")
	require.NoError(t, err)
	require.NoError(t, view.Close())
	_, err = view.Send(context.Background(), "after close")
	assert.ErrorIs(t, err, chat.ErrSendFailed)
}

func TestThreadSelfHealsAfterSilentDisconnect(t *testing.T) {
	gw := newGateway()
	engine := newEngine(gw, nil, 50*time.Millisecond)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)
	view, err := engine.OpenThread(context.Background(), convID)
	require.NoError(t, err)
	defer view.Close()
	awaitLive(t, view)

	gw.Disconnect()
	agentSays(t, gw, convID, "while you were away")
	agentSays(t, gw, convID, "still there?")

	require.Eventually(t, func() bool { return len(view.Snapshot()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"while you were away", "still there?"}, bodies(view.Snapshot()))
}

func TestPushAndPollDoNotDuplicate(t *testing.T) {
	gw := newGateway()
	engine := newEngine(gw, nil, 20*time.Millisecond)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)
	view, err := engine.OpenThread(context.Background(), convID)
	require.NoError(t, err)
	defer view.Close()
	awaitLive(t, view)

	msg := agentSays(t, gw, convID, "hello")
	require.Eventually(t, func() bool { return len(view.Snapshot()) == 1 }, waitFor, tick)

	// Let several poll ticks re-deliver the same row.
	time.Sleep(100 * time.Millisecond)
	thread := view.Snapshot()
	require.Len(t, thread, 1)
	assert.Equal(t, msg.ID, thread[0].ID)
}

func TestCloseStopsTransportsAndDiscardsLateResults(t *testing.T) {
	gw := newGateway()
	diag := &diagnosticsRecorder{}
	engine := newEngine(gw, diag, 20*time.Millisecond)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)
	view, err := engine.OpenThread(context.Background(), convID)
	require.NoError(t, err)
	awaitLive(t, view)
	require.Equal(t, 1, gw.Subscribers())

	ch, cancel := view.Messages().Subscribe()
	defer cancel()

	require.NoError(t, view.Close())
	require.NoError(t, view.Close())
	assert.Equal(t, chatsync.StateClosed, view.State())
	assert.Zero(t, gw.Subscribers())

	time.Sleep(30 * time.Millisecond)
	polls := diag.pollCount("thread/ok")
	agentSays(t, gw, convID, "too late")
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, view.Snapshot())
	assert.Equal(t, polls, diag.pollCount("thread/ok"), "no polling after close")

	for range ch {
	}
	assert.ErrorIs(t, view.AwaitLive(context.Background()), chatsync.ErrViewClosed)
}

func TestLoadFailureStaysLoadingAndRecovers(t *testing.T) {
	gw := newGateway()
	diag := &diagnosticsRecorder{}
	engine := newEngine(gw, diag, 20*time.Millisecond)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)
	agentSays(t, gw, convID, "hi")

	gw.failing.Store(true)
	view, err := engine.OpenThread(context.Background(), convID)
	require.NoError(t, err)
	defer view.Close()

	require.Eventually(t, func() bool { return diag.pollCount("thread/error") >= 2 }, waitFor, tick)
	assert.Equal(t, chatsync.StateLoading, view.State())
	assert.ErrorIs(t, view.Err(), chat.ErrLoadFailed)
	assert.ErrorIs(t, view.Err(), errBackendDown)

	gw.failing.Store(false)
	awaitLive(t, view)
	assert.NoError(t, view.Err())
	assert.Equal(t, []string{"hi"}, bodies(view.Snapshot()))

	gw.failing.Store(true)
	require.Eventually(t, func() bool { return diag.pollCount("thread/error") >= 4 }, waitFor, tick)
	assert.Equal(t, chatsync.StateLive, view.State(), "a live view is never demoted")
	assert.NoError(t, view.Err())
}

func TestSubscriptionFailureFallsBackToPolling(t *testing.T) {
	gw := newGateway()
	gw.FailSubscriptions(errors.New("realtime down"))
	diag := &diagnosticsRecorder{}
	engine := newEngine(gw, diag, 20*time.Millisecond)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)

	view, err := engine.OpenThread(context.Background(), convID)
	require.NoError(t, err)
	defer view.Close()
	awaitLive(t, view)
	assert.Contains(t, diag.reasons(), chatsync.ReasonSubscribeFailed)

	agentSays(t, gw, convID, "polled in")
	require.Eventually(t, func() bool { return len(view.Snapshot()) == 1 }, waitFor, tick)
}

func TestConversationListFollowsActivity(t *testing.T) {
	gw := newGateway()
	engine := newEngine(gw, nil, time.Hour)
	ctx := context.Background()

	older, err := engine.StartOrResumeConversation(ctx, "prop-1", agentID)
	require.NoError(t, err)
	newer, err := engine.StartOrResumeConversation(ctx, "prop-2", "agent-4")
	require.NoError(t, err)

	list, err := engine.OpenConversationList(ctx, "")
	require.NoError(t, err)
	defer list.Close()
	awaitLive(t, list)
	assert.Equal(t, buyerID, list.UserID())

	ids := func() []string {
		out := []string{}
		for _, s := range list.Snapshot() {
			out = append(out, s.ID)
		}
		return out
	}
	assert.Equal(t, []string{newer, older}, ids())

	first := list.Snapshot()[1]
	require.NotNil(t, first.Counterpart)
	assert.Equal(t, "Nina Agent", first.Counterpart.DisplayName)
	require.NotNil(t, first.Listing)
	assert.Equal(t, "Lisbon", first.Listing.City)

	agentSays(t, gw, older, "any questions?")
	require.Eventually(t, func() bool {
		got := ids()
		return len(got) == 2 && got[0] == older
	}, waitFor, tick)
	top := list.Snapshot()[0]
	require.NotNil(t, top.LastMessage)
	assert.Equal(t, "any questions?", top.LastMessage.Body)

	third, err := engine.StartOrResumeConversation(ctx, "prop-3", "agent-5")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got := ids()
		return len(got) == 3 && got[0] == third
	}, waitFor, tick)
}

func TestSendMessageWithoutView(t *testing.T) {
	gw := newGateway()
	engine := newEngine(gw, nil, time.Hour)
	convID, err := engine.StartOrResumeConversation(context.Background(), "prop-1", agentID)
	require.NoError(t, err)

	msg, err := engine.SendMessage(context.Background(), convID, " ping ")
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Body)

	_, err = engine.SendMessage(context.Background(), "missing", "ping")
	assert.ErrorIs(t, err, chat.ErrSendFailed)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}
