package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evanigwilo/meet-up-sub001/pkg/errors"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

// ErrRateLimited is returned once a caller exhausts its window.
var ErrRateLimited = errors.New("RATE_LIMITED", "Too many requests", http.StatusTooManyRequests)

// RateLimiter allows max requests per key within fixed windows counted in a RateStore.
type RateLimiter struct {
	store  RateStore
	max    int
	window time.Duration
}

// NewRateLimiter allows max requests per key each window. A non-positive max or a
// nil store disables limiting.
func NewRateLimiter(store RateStore, max int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, max: max, window: window}
}

// Allow counts one request for key and reports whether it fits, the remaining
// budget and the time until the window resets. Store failures let the request through.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration) {
	if l == nil || l.store == nil || l.max <= 0 {
		return true, 0, 0
	}
	count, resetIn, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		logger.WithModule("ratelimit").Warn("rate store unavailable", zap.String("key", key), zap.Error(err))
		return true, l.max, l.window
	}
	return count <= l.max, max(0, l.max-count), resetIn
}

// RateLimit limits requests per authenticated user, or per client IP before
// authentication, on the route it is attached to.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		key := c.GetString(CtxUserIDKey)
		if key == "" {
			key = c.ClientIP()
		}
		allowed, remaining, resetIn := limiter.Allow(c.Request.Context(), key+"|"+c.FullPath())

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.max))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if !allowed {
			response.Error(c, ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}
