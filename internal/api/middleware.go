package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
)

var errEmptyAPIKey = errors.New("API key cannot be empty when auth is enabled")

// LoggingMiddleware logs all HTTP requests
func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		fields := []interface{}{
			"method", method,
			"path", path,
			"status", statusCode,
			"duration_ms", duration.Milliseconds(),
			"ip", c.ClientIP(),
		}
		if statusCode >= http.StatusInternalServerError {
			log.Errorw("HTTP request", fields...)
			return
		}
		log.Infow("HTTP request", fields...)
	}
}

// RecoveryMiddleware turns handler panics into 500s with a logged stack.
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.LogPanic(c.Request.Context(), rec, "api.request", "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware allows dashboards served from localhost to drive the API.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "https://127.0.0.1") {

			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Max-Age", "86400")
		}

		// Handle preflight requests
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware validates the API key sent as a bearer token or in the
// X-API-Key header.
func AuthMiddleware(expectedAPIKey string, log *logger.Logger) (gin.HandlerFunc, error) {
	if expectedAPIKey == "" {
		return nil, errEmptyAPIKey
	}
	expected := []byte(expectedAPIKey)

	return func(c *gin.Context) {
		// Skip auth for health check and scrapes
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		token := c.GetHeader("X-API-Key")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				log.Warnw("Missing credentials",
					"path", c.Request.URL.Path,
					"ip", c.ClientIP(),
				)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Missing Authorization header",
				})
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				log.Warnw("Invalid Authorization format", "ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid Authorization format. Expected: Bearer <token>",
				})
				return
			}
			token = parts[1]
		}

		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			log.Warnw("Invalid API key",
				"ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			return
		}

		c.Next()
	}, nil
}

const (
	clientIdleTTL = 10 * time.Minute
	sweepInterval = 5 * time.Minute
)

// RateLimitMiddleware implements token bucket rate limiting per IP. Idle
// clients are swept inline on requests, so no background goroutine
// outlives the router.
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu        sync.Mutex
		clients   = make(map[string]*client)
		lastSweep = time.Now()
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > sweepInterval {
			for key, cl := range clients {
				if now.Sub(cl.lastSeen) > clientIdleTTL {
					delete(clients, key)
				}
			}
			lastSweep = now
		}
		cl, exists := clients[ip]
		if !exists {
			cl = &client{
				limiter: rate.NewLimiter(
					rate.Limit(cfg.RequestsPerSecond),
					cfg.BurstSize,
				),
			}
			clients[ip] = cl
		}
		cl.lastSeen = now
		mu.Unlock()

		if !cl.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
