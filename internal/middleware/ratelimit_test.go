package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/evanigwilo/meet-up-sub001/internal/cache"
	"github.com/evanigwilo/meet-up-sub001/internal/database/testutil"
)

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClock()

	r := gin.New()
	r.Use(RateLimit(NewRateLimiter(NewMemoryRateStore(clock), 2, 100*time.Millisecond)))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		return w
	}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, get().Code)
	}

	w := get()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	clock.Advance(120 * time.Millisecond)
	require.Equal(t, http.StatusOK, get().Code)
}

func TestRateLimitKeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(NewMemoryRateStore(clockwork.NewFakeClock()), 1, time.Minute)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(CtxUserIDKey, c.GetHeader("X-User"))
		c.Next()
	})
	r.Use(RateLimit(limiter))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, send("alice"))
	require.Equal(t, http.StatusNoContent, send("bob"))
	require.Equal(t, http.StatusTooManyRequests, send("alice"))
}

func TestRateLimiterDisabled(t *testing.T) {
	ctx := context.Background()
	for _, limiter := range []*RateLimiter{
		NewRateLimiter(NewMemoryRateStore(nil), 0, time.Second),
		NewRateLimiter(nil, 1, time.Second),
		nil,
	} {
		for i := 0; i < 3; i++ {
			allowed, _, _ := limiter.Allow(ctx, "k")
			require.True(t, allowed)
		}
	}
}

func TestRateLimitSharesBudgetThroughCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewCacheRateStore(cache.NewDatabaseStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())))

	newInstance := func() *gin.Engine {
		r := gin.New()
		r.Use(RateLimit(NewRateLimiter(store, 2, time.Minute)))
		r.POST("/api/notifications", func(c *gin.Context) { c.Status(http.StatusAccepted) })
		return r
	}
	first, second := newInstance(), newInstance()

	send := func(r *gin.Engine) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/notifications", nil))
		return w
	}

	require.Equal(t, http.StatusAccepted, send(first).Code)
	w := send(second)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, http.StatusTooManyRequests, send(first).Code)
	require.Equal(t, http.StatusTooManyRequests, send(second).Code)
}

type failingRateStore struct{}

func (failingRateStore) Increment(context.Context, string, time.Duration) (int, time.Duration, error) {
	return 0, 0, errors.New("store down")
}

func TestRateLimiterLetsRequestsThroughWhenStoreFails(t *testing.T) {
	limiter := NewRateLimiter(failingRateStore{}, 1, time.Minute)
	for i := 0; i < 3; i++ {
		allowed, _, _ := limiter.Allow(context.Background(), "k")
		require.True(t, allowed)
	}
}
