package policies

import (
	"context"

	"estatepro/internal/domain/chat"
)

// IdentityResolver yields the actor behind the current call.
type IdentityResolver interface {
	CurrentActor(ctx context.Context) (chat.Actor, error)
}

// StaticIdentity always resolves to the same actor.
type StaticIdentity chat.Actor

func (s StaticIdentity) CurrentActor(context.Context) (chat.Actor, error) {
	return chat.Actor(s), nil
}
