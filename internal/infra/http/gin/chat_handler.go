package ginserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	"estatepro/internal/app/chatsync"
	"estatepro/internal/domain/chat"
)

// ChatHTTP exposes chat endpoints.
type ChatHTTP interface {
	StartConversation(c *gin.Context)
	SendMessage(c *gin.Context)
	ListMessages(c *gin.Context)
	StreamConversations(c *gin.Context)
	StreamMessages(c *gin.Context)
}

// ChatHandler bridges HTTP with the sync engine. Streams hold a view open for
// as long as the client stays connected.
type ChatHandler struct {
	Engine          *chatsync.Engine
	Logger          *slog.Logger
	SnapshotTimeout time.Duration
	KeepAlive       time.Duration
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     chat.Role `json:"sender_role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

func toMessageResponse(msg chat.Message) messageResponse {
	return messageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		Text:           msg.Body,
		CreatedAt:      msg.CreatedAt,
	}
}

func toMessageResponses(thread []chat.Message) []messageResponse {
	out := make([]messageResponse, 0, len(thread))
	for _, msg := range thread {
		out = append(out, toMessageResponse(msg))
	}
	return out
}

// StartConversation returns the caller's conversation about a listing,
// creating it on first contact.
func (h ChatHandler) StartConversation(c *gin.Context) {
	actor, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req struct {
		CounterpartID string `json:"counterpart_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	propertyID := c.Param("id")
	id, err := h.Engine.StartOrResumeConversation(c.Request.Context(), propertyID, req.CounterpartID)
	if err != nil {
		h.respondChatError(c, err, "start conversation", "listing_id", propertyID, "user_id", actor.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

func (h ChatHandler) SendMessage(c *gin.Context) {
	actor, ok := requirePrincipal(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conversationID := c.Param("id")
	msg, err := h.Engine.SendMessage(c.Request.Context(), conversationID, req.Text)
	if err != nil {
		h.respondChatError(c, err, "send message", "conversation_id", conversationID, "user_id", actor.ID)
		return
	}
	c.JSON(http.StatusCreated, toMessageResponse(msg))
}

// ListMessages opens a thread view, waits for its first load and returns the
// snapshot.
func (h ChatHandler) ListMessages(c *gin.Context) {
	if _, ok := requirePrincipal(c); !ok {
		return
	}
	conversationID := c.Param("id")
	view, err := h.Engine.OpenThread(c.Request.Context(), conversationID)
	if err != nil {
		h.respondChatError(c, err, "open thread", "conversation_id", conversationID)
		return
	}
	defer view.Close()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.snapshotTimeout())
	defer cancel()
	if err := view.AwaitLive(ctx); err != nil {
		if loadErr := view.Err(); loadErr != nil {
			err = loadErr
		}
		h.respondChatError(c, err, "list messages", "conversation_id", conversationID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toMessageResponses(view.Snapshot())})
}

// StreamConversations pushes list snapshots as server-sent events until the
// client disconnects. Admins may watch another user with ?user_id=.
func (h ChatHandler) StreamConversations(c *gin.Context) {
	actor, ok := requirePrincipal(c)
	if !ok {
		return
	}
	userID := actor.ID
	if actor.Role == chat.RoleAdmin {
		if other := strings.TrimSpace(c.Query("user_id")); other != "" {
			userID = other
		}
	}
	view, err := h.Engine.OpenConversationList(c.Request.Context(), userID)
	if err != nil {
		h.respondChatError(c, err, "open conversation list", "user_id", userID)
		return
	}
	defer view.Close()

	summaries, unsubscribe := view.Summaries().Subscribe()
	defer unsubscribe()
	keepAlive := time.NewTicker(h.keepAlive())
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case snap, ok := <-summaries:
			if !ok {
				return false
			}
			c.SSEvent("summaries", snap)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", view.State().String())
			return true
		}
	})
}

// StreamMessages pushes thread snapshots and state changes as server-sent
// events until the client disconnects.
func (h ChatHandler) StreamMessages(c *gin.Context) {
	if _, ok := requirePrincipal(c); !ok {
		return
	}
	conversationID := c.Param("id")
	view, err := h.Engine.OpenThread(c.Request.Context(), conversationID)
	if err != nil {
		h.respondChatError(c, err, "open thread", "conversation_id", conversationID)
		return
	}
	defer view.Close()

	thread, stopMessages := view.Messages().Subscribe()
	defer stopMessages()
	states, stopStates := view.States().Subscribe()
	defer stopStates()
	keepAlive := time.NewTicker(h.keepAlive())
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case st, ok := <-states:
			if !ok {
				return false
			}
			payload := gin.H{"state": st.String()}
			if err := view.Err(); err != nil {
				payload["error"] = err.Error()
			}
			c.SSEvent("state", payload)
			return st != chatsync.StateClosed
		case snap, ok := <-thread:
			if !ok {
				return false
			}
			c.SSEvent("messages", toMessageResponses(snap))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", view.State().String())
			return true
		}
	})
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Logger != nil {
		h.Logger.Error("chat call failed", append([]any{"action", action, "error", err}, attrs...)...)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, chat.ErrLoadFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat unavailable"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "chat unavailable"})
	}
}

func (h ChatHandler) snapshotTimeout() time.Duration {
	if h.SnapshotTimeout > 0 {
		return h.SnapshotTimeout
	}
	return 5 * time.Second
}

func (h ChatHandler) keepAlive() time.Duration {
	if h.KeepAlive > 0 {
		return h.KeepAlive
	}
	return 15 * time.Second
}

var _ ChatHTTP = ChatHandler{}
