package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ClientIDHeader lets a trusted frontend name the end user it proxies for
	ClientIDHeader = "X-Client-ID"

	// Context keys
	ClientIDKey = "client-id"
)

// ClientIdentityMiddleware stores the identity rate limits are keyed by.
// It falls back to the remote address when no client header is present.
func ClientIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := strings.TrimSpace(c.GetHeader(ClientIDHeader))
		if clientID == "" {
			clientID = "ip:" + c.ClientIP()
		}
		c.Set(ClientIDKey, clientID)
		c.Next()
	}
}

// GetClientID retrieves the client identity from the Gin context
func GetClientID(c *gin.Context) string {
	if id, ok := c.Get(ClientIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return "ip:" + c.ClientIP()
}

// OperatorAuthMiddleware guards administrative routes with a bearer token.
// With no token configured the routes are disabled.
func OperatorAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator actions are disabled"})
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator token"})
			return
		}
		c.Next()
	}
}

// CORSMiddleware answers preflight requests and sets CORS headers for
// the allowed origins; "*" allows any origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, "+
				"Authorization, accept, origin, Cache-Control, X-Requested-With, "+
				ClientIDHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
