package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zling/backend/internal/core"
)

// ContextUserKey is where the middleware stores the authenticated user id.
const ContextUserKey = "user_id"

// Middleware authenticates a request via `Authorization: Bearer <token>` or,
// for websocket upgrades where browsers cannot set headers, a `token` query
// parameter.
func Middleware(a core.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := a.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ContextUserKey, string(user))
		c.Next()
	}
}
