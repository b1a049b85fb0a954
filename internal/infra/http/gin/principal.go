package ginserver

import (
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"estatepro/internal/domain/chat"
	"estatepro/internal/infra/identity"
)

const principalContextKey = "estatepro.principal"

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// PrincipalMiddleware trusts the identity headers set by the gateway in
// front of the service. Requests without them pass through anonymous.
type PrincipalMiddleware struct{}

func (PrincipalMiddleware) Handle(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(headerUserID))
	if userID == "" {
		c.Next()
		return
	}
	actor := chat.Actor{ID: userID, Role: identity.ParseRole(c.GetHeader(headerUserRole))}
	c.Set(principalContextKey, actor)
	c.Request = c.Request.WithContext(identity.WithActor(c.Request.Context(), actor))
	c.Next()
}

func currentPrincipal(c *gin.Context) (chat.Actor, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return chat.Actor{}, false
	}
	actor, ok := val.(chat.Actor)
	return actor, ok
}

func requirePrincipal(c *gin.Context) (chat.Actor, bool) {
	actor, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return chat.Actor{}, false
	}
	return actor, true
}
