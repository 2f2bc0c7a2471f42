package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the key for the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for the authenticated principal's role
	ContextKeyRole = "authRole"
)

// Middleware validates the bearer token when one is present and records the
// principal in the request context. It never rejects; RequireAuth and
// RequireRole are the gates.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("Authorization"); raw != "" {
			if claims, err := v.VerifyToken(raw); err == nil {
				c.Set(ContextKeyUserID, claims.UserID)
				c.Set(ContextKeyRole, claims.Role)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not present a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "bearer token required",
				"code":  "Unauthorized",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose principal does not hold the given role.
// Missing auth gets 401, a wrong role 403.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "bearer token required",
				"code":  "Unauthorized",
			})
			return
		}
		if c.GetString(ContextKeyRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "insufficient role",
				"code":  "Unauthorized",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Role returns the authenticated principal's role, or "" for anonymous requests.
func Role(c *gin.Context) string {
	return c.GetString(ContextKeyRole)
}

// IsAuthenticated checks if the request carries a valid principal
func IsAuthenticated(c *gin.Context) bool {
	return c.GetString(ContextKeyUserID) != ""
}
