package nats

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func newTestFeed(t *testing.T) *Feed {
	t.Helper()
	server := startTestNATSServer(t)
	nc, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return NewFeed(nc, "test.chat", nil)
}

func messageChange(t *testing.T, conversationID string) policies.Change {
	t.Helper()
	msg := chat.Message{ID: "m1", ConversationID: conversationID, SenderID: "buyer-1", Body: "hi", CreatedAt: time.Now().UTC()}
	ch, err := policies.NewRowChange(policies.TableMessages, policies.OpInsert, conversationID, []string{"buyer-1", "agent.9"}, msg)
	require.NoError(t, err)
	return ch
}

func TestSubjects(t *testing.T) {
	f := NewFeed(nil, ".estatepro.chat.", nil)
	assert.Equal(t, "estatepro.chat.conversations.c1.messages", f.ConversationSubject("c1", policies.TableMessages))
	assert.Equal(t, "estatepro.chat.users.agent_9.conversations", f.UserSubject("agent.9", policies.TableConversations))
	assert.Equal(t, "estatepro.chat.users.a_b_c.messages", f.UserSubject("a*b>c", policies.TableMessages))
}

func TestFeedRoutesByConversationAndParticipant(t *testing.T) {
	feed := newTestFeed(t)
	ctx := context.Background()

	thread := make(chan policies.Change, 4)
	sub, err := feed.Subscribe(ctx, policies.FeedFilter{Table: policies.TableMessages, ConversationID: "c1"}, func(ch policies.Change) { thread <- ch })
	require.NoError(t, err)
	defer sub.Close()

	inbox := make(chan policies.Change, 4)
	listSub, err := feed.Subscribe(ctx, policies.FeedFilter{Table: policies.TableMessages, ParticipantID: "agent.9"}, func(ch policies.Change) { inbox <- ch })
	require.NoError(t, err)
	defer listSub.Close()

	require.NoError(t, feed.Publish(ctx, messageChange(t, "c2")))
	require.NoError(t, feed.Publish(ctx, messageChange(t, "c1")))

	select {
	case ch := <-thread:
		assert.Equal(t, "c1", ch.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("thread subscriber got nothing")
	}
	for _, want := range []string{"c2", "c1"} {
		select {
		case ch := <-inbox:
			assert.Equal(t, want, ch.ConversationID)
		case <-time.After(2 * time.Second):
			t.Fatalf("inbox subscriber missed %s", want)
		}
	}
	assert.Empty(t, thread)
}

func TestSubscriptionStopsOnClose(t *testing.T) {
	feed := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan policies.Change, 4)
	sub, err := feed.Subscribe(ctx, policies.FeedFilter{Table: policies.TableMessages, ConversationID: "c1"}, func(ch policies.Change) { got <- ch })
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		return !sub.(*subscription).ns.IsValid()
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, sub.Close())

	require.NoError(t, feed.Publish(context.Background(), messageChange(t, "c1")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got)
}
