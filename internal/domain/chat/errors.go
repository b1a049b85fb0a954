package chat

import "errors"

var (
	// ErrValidation rejects user input before any network call is made.
	ErrValidation = errors.New("chat: validation failed")
	// ErrSendFailed means the gateway rejected a write or could not be reached.
	// No local state was changed; retrying is up to the caller.
	ErrSendFailed = errors.New("chat: send failed")
	// ErrLoadFailed means the canonical state could not be fetched. Views keep
	// retrying on the poll cadence.
	ErrLoadFailed = errors.New("chat: load failed")
	// ErrSubscription means the change feed could not be established or dropped.
	ErrSubscription = errors.New("chat: subscription failed")
	// ErrMalformed marks an entity missing its identity or timestamp.
	ErrMalformed = errors.New("chat: malformed entity")
	ErrNotFound  = errors.New("chat: not found")
)
