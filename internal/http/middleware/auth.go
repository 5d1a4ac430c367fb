// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides APIKeyAuth, the authentication gate for the management
// surface. Clients authenticate with a static API key carried in the X-API-Key
// header; each key maps to a named tier (standard, premium, enterprise) that
// downstream middleware uses to pick per-key rate limits.
//
// Behavior:
//   - Missing header  -> 401 with a standardized JSON error body
//   - Unknown key     -> 403 with a standardized JSON error body
//   - Valid key       -> stores the key and its tier in the Gin context under
//     the "apiKey" and "tier" keys, then continues the chain
//
// Keys are compared with constant-time equality so response timing does not
// leak prefix matches of configured keys.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// apiKeyHeader is the HTTP header carrying the client credential.
	apiKeyHeader = "X-API-Key"
	// apiKeyContextKey is the Gin context key for the authenticated key.
	apiKeyContextKey = "apiKey"
	// tierContextKey is the Gin context key for the key's rate-limit tier.
	tierContextKey = "tier"
)

// APIKeyAuth returns a middleware that authenticates requests against the
// provided key-to-tier map. The map is read-only after construction, so the
// middleware is safe for concurrent use without additional locking.
func APIKeyAuth(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(apiKeyHeader)
		if presented == "" {
			rid, _ := c.Get(requestIDKey)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": asString(rid),
				"code":       "unauthorized",
				"message":    "missing API key",
			})
			return
		}

		tier, ok := lookupKey(keys, presented)
		if !ok {
			rid, _ := c.Get(requestIDKey)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"request_id": asString(rid),
				"code":       "forbidden",
				"message":    "invalid API key",
			})
			return
		}

		c.Set(apiKeyContextKey, presented)
		c.Set(tierContextKey, tier)
		c.Next()
	}
}

// lookupKey scans the configured keys with constant-time comparison per entry.
// The key set is small (operator-configured), so the linear scan is cheap.
func lookupKey(keys map[string]string, presented string) (string, bool) {
	pb := []byte(presented)
	for k, tier := range keys {
		if subtle.ConstantTimeCompare([]byte(k), pb) == 1 {
			return tier, true
		}
	}
	return "", false
}

// APIKeyFrom returns the authenticated API key stored by APIKeyAuth, or the
// empty string when the route is unauthenticated.
func APIKeyFrom(c *gin.Context) string {
	v, _ := c.Get(apiKeyContextKey)
	return asString(v)
}

// TierFrom returns the rate-limit tier stored by APIKeyAuth, or the empty
// string when the route is unauthenticated.
func TierFrom(c *gin.Context) string {
	v, _ := c.Get(tierContextKey)
	return asString(v)
}
