// Package identity carries the acting user through request contexts.
package identity

import (
	"context"
	"errors"
	"strings"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

var ErrUnauthenticated = errors.New("identity: no authenticated user")

type actorKey struct{}

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor chat.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (chat.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(chat.Actor)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		return chat.Actor{}, false
	}
	return actor, true
}

// ContextResolver resolves the actor stored by WithActor.
type ContextResolver struct{}

func (ContextResolver) CurrentActor(ctx context.Context) (chat.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return chat.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

// ParseRole maps a header or flag value onto a role. Unknown values fall back
// to buyer, the least privileged chat role.
func ParseRole(raw string) chat.Role {
	switch chat.Role(strings.ToLower(strings.TrimSpace(raw))) {
	case chat.RoleAgent:
		return chat.RoleAgent
	case chat.RoleAdmin:
		return chat.RoleAdmin
	default:
		return chat.RoleBuyer
	}
}

var _ policies.IdentityResolver = ContextResolver{}
