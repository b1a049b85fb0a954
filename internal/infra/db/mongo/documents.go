package mongo

import (
	"time"

	"estatepro/internal/domain/chat"
)

const (
	collConversations = "chat_conversations"
	collMessages      = "chat_messages"
	collProfiles      = "profiles"
	collListings      = "listings"
)

// Timestamps are stored as unix milliseconds; the domain sees UTC times
// truncated to the same precision so re-reads compare equal.
type conversationDocument struct {
	ID            string   `bson:"_id"`
	PropertyID    string   `bson:"property_id"`
	InitiatorID   string   `bson:"initiator_id"`
	CounterpartID string   `bson:"counterpart_id"`
	Participants  []string `bson:"participants"`
	CreatedAt     int64    `bson:"created_at"`
}

func newConversationDocument(c chat.Conversation) conversationDocument {
	return conversationDocument{
		ID:            c.ID,
		PropertyID:    c.PropertyID,
		InitiatorID:   c.InitiatorID,
		CounterpartID: c.CounterpartID,
		Participants:  c.Participants(),
		CreatedAt:     c.CreatedAt.UnixMilli(),
	}
}

func (d conversationDocument) toDomain() chat.Conversation {
	return chat.Conversation{
		ID:            d.ID,
		PropertyID:    d.PropertyID,
		InitiatorID:   d.InitiatorID,
		CounterpartID: d.CounterpartID,
		CreatedAt:     fromMillis(d.CreatedAt),
	}
}

// messageDocument copies the conversation participants so change streams
// can route by user without a lookup.
type messageDocument struct {
	ID             string   `bson:"_id"`
	ConversationID string   `bson:"conversation_id"`
	SenderID       string   `bson:"sender_id"`
	SenderRole     string   `bson:"sender_role"`
	Body           string   `bson:"body"`
	Participants   []string `bson:"participants"`
	CreatedAt      int64    `bson:"created_at"`
}

func newMessageDocument(m chat.Message, participants []string) messageDocument {
	return messageDocument{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     string(m.SenderRole),
		Body:           m.Body,
		Participants:   append([]string(nil), participants...),
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
}

func (d messageDocument) toDomain() chat.Message {
	return chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		SenderRole:     chat.Role(d.SenderRole),
		Body:           d.Body,
		CreatedAt:      fromMillis(d.CreatedAt),
	}
}

type profileDocument struct {
	ID          string `bson:"_id"`
	DisplayName string `bson:"display_name"`
	AvatarURL   string `bson:"avatar_url,omitempty"`
	Role        string `bson:"role,omitempty"`
}

func (d profileDocument) toDomain() *chat.ParticipantProfile {
	return &chat.ParticipantProfile{
		DisplayName: d.DisplayName,
		AvatarURL:   d.AvatarURL,
		Role:        chat.Role(d.Role),
	}
}

type listingDocument struct {
	ID      string `bson:"_id"`
	Title   string `bson:"title"`
	Address struct {
		City string `bson:"city"`
	} `bson:"address"`
	NightlyRateCents int64  `bson:"nightly_rate_cents"`
	ThumbnailURL     string `bson:"thumbnail_url,omitempty"`
}

func (d listingDocument) toDomain() *chat.ListingSummary {
	return &chat.ListingSummary{
		Title:        d.Title,
		City:         d.Address.City,
		PriceCents:   d.NightlyRateCents,
		ThumbnailURL: d.ThumbnailURL,
	}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
