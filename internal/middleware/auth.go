package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"telemed-backend/internal/auth"
	"telemed-backend/internal/domain"
	"telemed-backend/pkg/response"
)

const identityKey = "identity"

// AuthMiddleware validates the bearer token and stores the caller's identity
// in the Gin context. It also sets user_id and role for log enrichment.
func AuthMiddleware(authn *auth.Authenticator) gin.HandlerFunc {
	return authenticate(authn, "http", auth.BearerToken)
}

// WebSocketAuthMiddleware is AuthMiddleware for upgrade requests; it also
// accepts the token query parameter.
func WebSocketAuthMiddleware(authn *auth.Authenticator) gin.HandlerFunc {
	return authenticate(authn, "ws", auth.HandshakeToken)
}

func authenticate(authn *auth.Authenticator, transport string, extract func(*http.Request) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := authn.Authenticate(c.Request.Context(), transport, extract(c.Request))
		if err != nil {
			response.FromError(c, err)
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Set("user_id", identity.ID)
		c.Set("role", string(identity.Role))
		c.Next()
	}
}

// RequireRole rejects callers whose role is not one of roles.
// Must run after AuthMiddleware.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			response.Unauthorized(c, "Not authenticated")
			c.Abort()
			return
		}
		if !identity.Is(roles...) {
			response.Forbidden(c, "Role "+string(identity.Role)+" may not perform this action")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetIdentity returns the identity stored by AuthMiddleware
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return domain.Identity{}, false
	}
	identity, ok := v.(domain.Identity)
	return identity, ok
}
