package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osazeejedi/escrow-interact/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits configures requests per minute for each endpoint class
type Limits struct {
	Auth  float64
	Write float64
	Read  float64
}

// DefaultLimits allows 10 token requests, 100 writes and 1000 reads per minute
var DefaultLimits = Limits{Auth: 10, Write: 100, Read: 1000}

// RateLimiter tracks one token bucket per caller and endpoint class
type RateLimiter struct {
	limits Limits

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func (r *RateLimiter) class(method, path string) (string, rate.Limit) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return "auth", perMinute(r.limits.Auth)
	case strings.HasPrefix(path, "/api/v1/") && method != http.MethodGet:
		return "write", perMinute(r.limits.Write)
	case strings.HasPrefix(path, "/api/v1/"):
		return "read", perMinute(r.limits.Read)
	default:
		return "", rate.Inf
	}
}

func (r *RateLimiter) getLimiter(method, path, caller string) *rate.Limiter {
	class, limit := r.class(method, path)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := caller + ":" + class
	v, exists := r.visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(limit, 1), // burst of 1
		}
		r.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops visitors idle for longer than idle
func (r *RateLimiter) Cleanup(idle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, v := range r.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(r.visitors, key)
		}
	}
}

// Run cleans up idle visitors every minute until stop is closed
func (r *RateLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Cleanup(3 * time.Minute)
		}
	}
}

func (r *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := r.getLimiter(c.Request.Method, c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and exposes its client and wallet
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			response.Unauthorized(c, "Invalid token claims")
			c.Abort()
			return
		}

		// Ensure required claims exist
		requiredClaims := []string{"client_id", "wallet", "exp"}
		for _, claim := range requiredClaims {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		wallet, _ := claims["wallet"].(string)
		if wallet == "" {
			response.Unauthorized(c, "Invalid wallet claim")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("wallet", wallet)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

// RequestLogger logs one line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		} else if c.Writer.Status() >= http.StatusBadRequest {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_id", c.GetString("clientID")).
			Msg("request")
	}
}
