package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the admin bearer token against a single
// process-wide secret (spec §6.1: "authenticated via Bearer token
// against a process-wide admin secret"). Unlike a multi-key API gateway,
// there is exactly one valid token, so lookup is a single constant-time
// comparison rather than a map scan.
type AuthMiddleware struct {
	token   string
	enabled bool
}

// NewAuthMiddleware creates an admin-auth middleware from the configured token.
// An empty token disables auth, which is only acceptable in local/dev config
// validation (internal/config.Load refuses to start the server with one unset).
func NewAuthMiddleware(adminToken string) *AuthMiddleware {
	return &AuthMiddleware{
		token:   adminToken,
		enabled: adminToken != "",
	}
}

// Wrap returns a gin middleware enforcing the bearer token on every
// request except health and metrics endpoints.
func (am *AuthMiddleware) Wrap() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !am.enabled {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/metrics" {
			c.Next()
			return
		}

		key := ExtractAPIKey(c.Request)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}

// ExtractAPIKey extracts the bearer token from the Authorization header,
// falling back to X-API-Key for callers that cannot set Authorization.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}
