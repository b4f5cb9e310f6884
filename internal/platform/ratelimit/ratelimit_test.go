package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/tradein/internal/platform/requestctx"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestMemoryStoreBurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithMemoryClock(clock.Now), WithSweep(0, time.Minute))
	defer store.Close()

	policy := Policy{PerMinute: 60, Burst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := store.Allow(ctx, "1.2.3.4", policy)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should pass", i)
	}

	decision, err := store.Allow(ctx, "1.2.3.4", policy)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.InDelta(t, time.Second, decision.RetryAfter, float64(50*time.Millisecond))

	other, err := store.Allow(ctx, "5.6.7.8", policy)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys must not share buckets")

	clock.now = clock.now.Add(time.Second)
	decision, err = store.Allow(ctx, "1.2.3.4", policy)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestMemoryStoreRejectsInvalidPolicy(t *testing.T) {
	store := NewMemoryStore(WithSweep(0, 0))
	defer store.Close()

	_, err := store.Allow(context.Background(), "k", Policy{PerMinute: 0, Burst: 1})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestMemoryStoreSweepDropsIdleKeys(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithMemoryClock(clock.Now), WithSweep(0, time.Minute))
	defer store.Close()

	policy := Policy{PerMinute: 10, Burst: 1}
	_, _ = store.Allow(context.Background(), "old", policy)
	clock.now = clock.now.Add(2 * time.Minute)
	_, _ = store.Allow(context.Background(), "fresh", policy)

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreCloseStopsSweeper(t *testing.T) {
	store := NewMemoryStore(WithSweep(time.Millisecond, time.Millisecond))
	done := make(chan struct{})
	go func() {
		_ = store.Close()
		_ = store.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

type fakeScripter struct {
	result any
	err    error
	keys   []string
	args   []any
}

func (f *fakeScripter) reply(keys []string, args []any) *redis.Cmd {
	f.keys = keys
	f.args = args
	return redis.NewCmdResult(f.result, f.err)
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply(keys, args)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply(keys, args)
}

func (f *fakeScripter) EvalRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply(keys, args)
}

func (f *fakeScripter) EvalShaRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.reply(keys, args)
}

func (f *fakeScripter) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeScripter) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestRedisStoreParsesScriptReply(t *testing.T) {
	now := time.Unix(1717243200, 0)
	client := &fakeScripter{result: []any{int64(0), int64(1500)}}
	store := NewRedisStoreWithClient(client, "tradein:", func() time.Time { return now })

	decision, err := store.Allow(context.Background(), "estimate:1.2.3.4", Policy{PerMinute: 30, Burst: 5})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 1500*time.Millisecond, decision.RetryAfter)

	require.Len(t, client.keys, 1)
	assert.Equal(t, "tradein:ratelimit:estimate:1.2.3.4|30|5", client.keys[0])
	require.Len(t, client.args, 3)
	assert.InDelta(t, 0.5, client.args[0], 1e-9)
	assert.Equal(t, 5, client.args[1])

	client.result = []any{int64(1), int64(0)}
	decision, err = store.Allow(context.Background(), "estimate:1.2.3.4", Policy{PerMinute: 30, Burst: 5})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRedisStorePropagatesErrors(t *testing.T) {
	store := NewRedisStoreWithClient(&fakeScripter{err: errors.New("connection refused")}, "", nil)
	_, err := store.Allow(context.Background(), "k", Policy{PerMinute: 1, Burst: 1})
	assert.Error(t, err)

	store = NewRedisStoreWithClient(&fakeScripter{result: "garbage"}, "", nil)
	_, err = store.Allow(context.Background(), "k", Policy{PerMinute: 1, Burst: 1})
	assert.Error(t, err)

	assert.NoError(t, store.Ping(context.Background()), "clients without PING pass")
}

// Requires a reachable Redis at TRADEIN_TEST_REDIS_ADDR.
func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("TRADEIN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRADEIN_TEST_REDIS_ADDR not set")
	}
	store, closeFn := NewRedisStore(RedisOptions{Addr: addr, Namespace: "tradein-test"})
	defer closeFn()

	policy := Policy{PerMinute: 60, Burst: 1}
	key := "it:" + time.Now().Format(time.RFC3339Nano)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	first, err := store.Allow(ctx, key, policy)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := store.Allow(ctx, key, policy)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Greater(t, second.RetryAfter, time.Duration(0))
}

type stubLimiter struct {
	decision Decision
	err      error
	keys     []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ Policy) (Decision, error) {
	s.keys = append(s.keys, key)
	return s.decision, s.err
}

func TestMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	policy := Policy{PerMinute: 10, Burst: 1}

	t.Run("rejects with retry after", func(t *testing.T) {
		limiter := &stubLimiter{decision: Decision{Allowed: false, RetryAfter: 1200 * time.Millisecond}}
		handler := middleware.RealIP(CallerIdentity(Middleware("estimate", limiter, policy)(okHandler)))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/trade-in/estimate", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), `"rate_limited"`)
		assert.Equal(t, []string{"estimate:203.0.113.7"}, limiter.keys)
	})

	t.Run("allows", func(t *testing.T) {
		limiter := &stubLimiter{decision: Decision{Allowed: true}}
		handler := Middleware("estimate", limiter, policy)(okHandler)

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "198.51.100.4:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"estimate:198.51.100.4"}, limiter.keys)
	})

	t.Run("fails open on limiter error", func(t *testing.T) {
		limiter := &stubLimiter{err: errors.New("redis down")}
		handler := Middleware("lead", limiter, policy)(okHandler)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("prefers existing caller", func(t *testing.T) {
		limiter := &stubLimiter{decision: Decision{Allowed: true}}
		handler := CallerIdentity(Middleware("lead", limiter, policy)(okHandler))

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(requestctx.WithCaller(req.Context(), "svc@example.iam"))
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, []string{"lead:svc@example.iam"}, limiter.keys)
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))

	req.RemoteAddr = "192.0.2.9"
	assert.Equal(t, "192.0.2.9", ClientIP(req))

	req.RemoteAddr = "192.0.2.9:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "192.0.2.9", ClientIP(req), "forwarding headers are resolved by RealIP, not here")
}
