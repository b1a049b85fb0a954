package chat

import (
	"encoding/json"
	"fmt"
)

// DecodeMessageRow decodes a change-feed row and validates it.
func DecodeMessageRow(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode message row: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// DecodeConversationRow decodes a change-feed row and validates it.
func DecodeConversationRow(raw []byte) (Conversation, error) {
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return Conversation{}, fmt.Errorf("%w: decode conversation row: %v", ErrMalformed, err)
	}
	if err := conv.Validate(); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}
