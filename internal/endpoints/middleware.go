package endpoints

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"aperio/internal/metrics"
)

// AuthRequired enforces the shared-password auth scheme: the Basic token
// is either base64(password) or the RFC base64(user:password) form, in
// which case the username is ignored. An empty password disables
// authentication.
func AuthRequired(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" {
			c.Next()
			return
		}

		if !credentialsMatch(c.GetHeader("Authorization"), password) {
			c.Header("WWW-Authenticate", `Basic realm="aperio"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "request_failed",
				"error_type": "unauthorized",
				"message":    "Authentication required",
			})
			return
		}
		c.Next()
	}
}

func credentialsMatch(header, password string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return false
	}

	supplied := string(decoded)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(password)) == 1 {
		return true
	}
	if i := strings.IndexByte(supplied, ':'); i >= 0 {
		return subtle.ConstantTimeCompare([]byte(supplied[i+1:]), []byte(password)) == 1
	}
	return false
}

// RequestID propagates X-Request-ID, minting one when the client sends
// none.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Next()
	}
}

// CORS allows the configured origins. With no origins configured it is a
// no-op, which denies cross-origin use.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := allowed[strings.TrimSuffix(origin, "/")]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				c.Header("Vary", "Origin")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Instrument records request counts and latencies per route.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
