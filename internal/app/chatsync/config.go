package chatsync

import (
	"time"

	"estatepro/internal/app/conversations"
	"estatepro/internal/domain/chat"
)

const DefaultPollInterval = 4 * time.Second

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	PollInterval        time.Duration
	PendingLimit        int
	PendingTTL          time.Duration
	MaxBody             int
	CallTimeout         time.Duration
	MetadataConcurrency int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = conversations.DefaultPendingLimit
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = conversations.DefaultPendingTTL
	}
	if c.MaxBody <= 0 {
		c.MaxBody = chat.DefaultMaxBodyLength
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MetadataConcurrency <= 0 {
		c.MetadataConcurrency = conversations.DefaultConcurrency
	}
	return c
}
