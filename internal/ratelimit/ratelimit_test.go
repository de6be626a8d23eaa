package ratelimit_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/ratelimit"
	"github.com/ashita-ai/relay/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartRedis()
	testRedis = redis.NewClient(&redis.Options{Addr: tc.DSN})
	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	limiter, err := ratelimit.NewRedisLimiter(testRedis, 3, time.Minute)
	require.NoError(t, err)

	key := "tenant:" + uuid.NewString()
	for i := range 3 {
		ok, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := limiter.Allow(ctx, "tenant:"+uuid.NewString())
	require.NoError(t, err)
	assert.True(t, other)
}

func TestRedisLimiter_WindowRolls(t *testing.T) {
	ctx := context.Background()
	limiter, err := ratelimit.NewRedisLimiter(testRedis, 1, 200*time.Millisecond)
	require.NoError(t, err)

	key := "ip:" + uuid.NewString()
	ok, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := limiter.Allow(ctx, key)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	limiter, err := ratelimit.NewRedisLimiter(dead, 1, time.Minute)
	require.NoError(t, err)
	defer func() { _ = limiter.Close() }()

	ok, err := limiter.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestNewRedisLimiter_Validation(t *testing.T) {
	_, err := ratelimit.NewRedisLimiter(testRedis, 0, time.Minute)
	assert.Error(t, err)
	_, err = ratelimit.NewRedisLimiter(testRedis, 1, 0)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	reject := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reject, testutil.TestLogger())(inner)

	call := func(addr string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1111").Code)
	rec := call("10.0.0.1:2222")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same IP, different port")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2:1111").Code)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, fmt.Errorf("down") }
func (brokenLimiter) Close() error                                { return nil }

func TestMiddleware_FailsOpenAndSkipsEmptyKeys(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	reject := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }

	rec := httptest.NewRecorder()
	ratelimit.Middleware(brokenLimiter{}, ratelimit.IPKeyFunc, reject, testutil.TestLogger())(inner).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ratelimit.Middleware(ratelimit.NoopLimiter{}, func(*http.Request) string { return "" }, reject, testutil.TestLogger())(inner).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
