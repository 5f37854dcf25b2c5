package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/dealbroker/internal/logging"
)

const (
	// ContextKeyActorID is the gin context key holding the authenticated actor id.
	ContextKeyActorID = "actorId"
	// ContextKeyRole is the gin context key holding the authenticated role.
	ContextKeyRole = "actorRole"

	// DevActorHeader carries the actor id when trusted headers are enabled.
	DevActorHeader = "X-Actor-Id"
	// DevRoleHeader carries the role when trusted headers are enabled.
	DevRoleHeader = "X-Actor-Role"
)

// Middleware resolves the caller and stores it in the gin context.
// Requests without valid credentials continue unauthenticated; use
// RequireAuth to reject them. When trustHeaders is set (development only)
// X-Actor-Id / X-Actor-Role are accepted in place of a token.
func Middleware(v *Verifier, trustHeaders bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var id Identity
		if header := c.GetHeader("Authorization"); header != "" && v != nil {
			if resolved, err := v.Verify(header); err == nil {
				id = resolved
			}
		}
		if id.ActorID == "" && trustHeaders {
			id = Identity{ActorID: c.GetHeader(DevActorHeader), Role: c.GetHeader(DevRoleHeader)}
		}

		if id.ActorID != "" {
			c.Set(ContextKeyActorID, id.ActorID)
			c.Set(ContextKeyRole, id.Role)
			c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), id.ActorID))
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated actor.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ActorID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireSelf requires the authenticated actor to match the :paramName path param.
func RequireSelf(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := ActorID(c)
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if actor != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only list your own records.",
			})
			return
		}
		c.Next()
	}
}

// ActorID returns the authenticated actor id, or "".
func ActorID(c *gin.Context) string {
	return c.GetString(ContextKeyActorID)
}

// CurrentIdentity returns the authenticated identity from the gin context.
func CurrentIdentity(c *gin.Context) Identity {
	return Identity{ActorID: c.GetString(ContextKeyActorID), Role: c.GetString(ContextKeyRole)}
}
