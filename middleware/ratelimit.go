package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client in a bounded cache.
// Idle clients expire after ttl; the least recently seen client is evicted
// when the cache is full.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows requestsPerMinute per client with the given burst
func NewRateLimiter(requestsPerMinute, burst, maxClients int, ttl time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxClients, nil, ttl),
		limit:    rate.Limit(float64(requestsPerMinute) / 60),
		burst:    burst,
	}
}

// Allow reports whether clientID may make a request now. When it may not,
// the returned duration is the wait until the next token.
func (l *RateLimiter) Allow(clientID string) (bool, time.Duration) {
	limiter := l.limiter(clientID)
	r := limiter.Reserve()
	if !r.OK() {
		return false, 0
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Clients returns the number of tracked clients
func (l *RateLimiter) Clients() int {
	return l.limiters.Len()
}

func (l *RateLimiter) limiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters.Get(clientID); ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(clientID, limiter)
	return limiter
}

// Middleware rejects requests over the client's rate with 429
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(GetClientID(c))
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
