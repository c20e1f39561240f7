package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUser holds the authenticated *User
	ContextKeyUser = "authUser"
	// ContextKeyUserID holds the authenticated user's id
	ContextKeyUserID = "authUserID"
	// ContextKeyUserEmail holds the authenticated user's normalized email
	ContextKeyUserEmail = "authUserEmail"

	// AdminSecretHeader carries the operator secret
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware resolves credentials from Authorization or X-API-Key and
// places the user in the context. WebSocket upgrades may pass a bearer
// token in the access_token query parameter since browsers cannot set
// headers there. Requests without valid credentials pass through
// unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("Authorization")
		if credential == "" {
			credential = c.GetHeader("X-API-Key")
		}
		if credential == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			credential = c.Query("access_token")
		}

		if credential != "" {
			if user, err := m.Authenticate(c.Request.Context(), credential); err == nil {
				c.Set(ContextKeyUser, user)
				c.Set(ContextKeyUserID, user.ID)
				c.Set(ContextKeyUserEmail, strings.ToLower(user.Email))
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid identity
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Credentials required. Include 'Authorization: Bearer sk_...' or a bearer token.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret disables operator routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Operator routes are disabled (ADMIN_SECRET not set).",
			})
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "X-Admin-Secret header required.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}

// GetUser returns the authenticated user from context
func GetUser(c *gin.Context) (*User, bool) {
	v, exists := c.Get(ContextKeyUser)
	if !exists {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return c.GetString(ContextKeyUserID) != ""
}
