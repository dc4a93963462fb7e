package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/earthapp/mantle/internal/cachepolicy"
	"github.com/earthapp/mantle/internal/config"
	"github.com/earthapp/mantle/internal/directory"
	"github.com/earthapp/mantle/internal/kvstore"
	"github.com/earthapp/mantle/internal/metrics"
	"github.com/earthapp/mantle/internal/ratelimit"
	"github.com/earthapp/mantle/internal/templates"
)

var fixedNow = time.Unix(1_700_000_045, 0).UTC()

type mockRequesters struct {
	mock.Mock
}

func (m *mockRequesters) ResolveRequester(r *http.Request) directory.Result[directory.User] {
	args := m.Called(r.Header.Get("Authorization"))
	return args.Get(0).(directory.Result[directory.User])
}

func (m *mockRequesters) UserIDByUsername(_ context.Context, username string) (int64, bool, error) {
	args := m.Called(username)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func newMockRequesters() *mockRequesters {
	m := &mockRequesters{}
	m.On("ResolveRequester", "Bearer owner").Return(directory.Ok(directory.User{ID: 42, Username: "ada"})).Maybe()
	m.On("ResolveRequester", "Bearer admin").Return(directory.Ok(directory.User{ID: 1, Username: "root", Admin: true})).Maybe()
	m.On("ResolveRequester", "Bearer broken").Return(directory.Failed[directory.User](errors.New("db locked"))).Maybe()
	m.On("ResolveRequester", mock.Anything).Return(directory.NotFound[directory.User]()).Maybe()
	return m
}

// unavailableStore fails every read and counter update.
type unavailableStore struct{ kvstore.Store }

func (unavailableStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (unavailableStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

type harnessOptions struct {
	store     kvstore.Store
	failOpen  bool
	rateLimit func(*config.RateLimitConfig)
	noCache   bool
	next      http.Handler
}

type harness struct {
	store       kvstore.Store
	coordinator *Coordinator
	handler     http.Handler
	calls       *atomic.Int32
}

func echoHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		viewer := int64(0)
		if user, ok := directory.RequesterFrom(r.Context()); ok {
			viewer = user.ID
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
			"viewer": viewer,
			"call":   calls.Load(),
		})
	})
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if opts.rateLimit != nil {
		opts.rateLimit(&cfg.RateLimit)
	}
	store := opts.store
	if store == nil {
		store = kvstore.NewMemory()
	}
	clock := func() time.Time { return fixedNow }

	policy, err := ratelimit.NewPolicy(cfg.RateLimit, ratelimit.NewLimiter(store, clock))
	require.NoError(t, err)
	messages, err := ratelimit.NewMessages(templates.NewRenderer(), cfg.RateLimit.Message)
	require.NoError(t, err)

	var engine *cachepolicy.Engine
	if !opts.noCache {
		doc, err := config.DefaultPolicy()
		require.NoError(t, err)
		engine, err = cachepolicy.Compile(config.DefaultPolicySource, doc, nil)
		require.NoError(t, err)
	}

	calls := &atomic.Int32{}
	next := opts.next
	if next == nil {
		next = echoHandler(calls)
	}
	c := NewCoordinator(slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Prefix:            "/v2",
		CorrelationHeader: "X-Request-ID",
		Store:             store,
		RateLimit:         policy,
		Messages:          messages,
		FailOpen:          opts.failOpen,
		Engine:            engine,
		Requesters:        newMockRequesters(),
		Metrics:           metrics.NewRecorder(nil),
	})
	return &harness{store: store, coordinator: c, handler: c.Middleware(next), calls: calls}
}

func (h *harness) do(method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestCoordinatorPassesThroughOutsidePrefix(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Global-RateLimit-Limit"))
	require.Empty(t, rec.Header().Get("X-Cache"))

	rec = h.do(http.MethodGet, "/v2beta/users", "")
	require.Empty(t, rec.Header().Get("X-Global-RateLimit-Limit"))
	require.EqualValues(t, 2, h.calls.Load())
}

func TestCoordinatorRejectsSixtyFirstAnonymousRequest(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for i := 1; i <= 60; i++ {
		rec := h.do(http.MethodGet, "/v2/ping", "")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		require.Equal(t, "60", rec.Header().Get("X-Global-RateLimit-Limit"))
		require.Equal(t, fmt.Sprint(60-i), rec.Header().Get("X-Global-RateLimit-Remaining"))
		require.Equal(t, "1700000100", rec.Header().Get("X-Global-RateLimit-Reset"))
	}

	rec := h.do(http.MethodGet, "/v2/ping", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-Global-RateLimit-Remaining"))
	require.Equal(t, "55", rec.Header().Get("Retry-After"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ratelimit.Rejection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Rate limit exceeded", body.Error)
	require.Equal(t, 55, body.RetryAfter)
	require.Contains(t, body.Message, "60 requests per 60 seconds")
	require.EqualValues(t, 60, h.calls.Load())

	// Authenticated callers draw from their own tier.
	rec = h.do(http.MethodGet, "/v2/ping", "owner")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", rec.Header().Get("X-Global-RateLimit-Limit"))
}

func TestCoordinatorEndpointTier(t *testing.T) {
	h := newHarness(t, harnessOptions{rateLimit: func(cfg *config.RateLimitConfig) {
		cfg.Routes = []config.RouteConfig{{Name: "login", Methods: []string{http.MethodPost}, Path: `^/v2/users/login$`}}
		cfg.Endpoints = []config.EndpointLimitConfig{{Route: "login", Max: 1, WindowSeconds: 60}}
	}})

	rec := h.do(http.MethodPost, "/v2/users/login", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "59", rec.Header().Get("X-Global-RateLimit-Remaining"))

	rec = h.do(http.MethodPost, "/v2/users/login", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "58", rec.Header().Get("X-Global-RateLimit-Remaining"))

	// Other routes only carry the global set.
	rec = h.do(http.MethodGet, "/v2/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	require.EqualValues(t, 2, h.calls.Load())
}

func TestCoordinatorServesCachedResponse(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	first := h.do(http.MethodGet, "/v2/users/42", "")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := h.do(http.MethodGet, "/v2/users/42", "")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "HIT", second.Header().Get("X-Cache"))
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	require.Equal(t, "application/json", second.Header().Get("Content-Type"))
	require.Equal(t, "58", second.Header().Get("X-Global-RateLimit-Remaining"))
	require.EqualValues(t, 1, h.calls.Load())

	_, ok, err := h.store.Get(context.Background(), "user:42:0")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCoordinatorSeparatesViewers(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	anon := h.do(http.MethodGet, "/v2/users/42", "")
	owner := h.do(http.MethodGet, "/v2/users/42", "owner")
	require.Equal(t, "MISS", owner.Header().Get("X-Cache"))
	require.NotEqual(t, anon.Body.String(), owner.Body.String())
	require.Contains(t, owner.Body.String(), `"viewer":42`)

	// "current" resolves to the requester, so it shares the owner's entry.
	current := h.do(http.MethodGet, "/v2/users/current", "owner")
	require.Equal(t, "HIT", current.Header().Get("X-Cache"))
	require.Equal(t, owner.Body.String(), current.Body.String())
	require.EqualValues(t, 2, h.calls.Load())

	for _, key := range []string{"user:42:0", "user:42:42"} {
		_, ok, err := h.store.Get(context.Background(), key)
		require.NoError(t, err)
		require.True(t, ok, key)
	}
}

func TestCoordinatorInvalidatesAfterMutation(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.do(http.MethodGet, "/v2/users/42", "")
	h.do(http.MethodGet, "/v2/users/42", "owner")
	h.do(http.MethodGet, "/v2/users/7", "")
	h.do(http.MethodGet, "/v2/users", "")

	rec := h.do(http.MethodPatch, "/v2/users/42", "owner")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Cache"))

	ctx := context.Background()
	for _, key := range []string{"user:42:0", "user:42:42"} {
		_, ok, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, ok, key)
	}
	_, ok, err := h.store.Get(ctx, "user:7:0")
	require.NoError(t, err)
	require.True(t, ok)
	keys, err := h.store.KeysByPrefix(ctx, "users:list:")
	require.NoError(t, err)
	require.Empty(t, keys)

	rec = h.do(http.MethodGet, "/v2/users/42", "")
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestCoordinatorPrivacyChangeRefreshesEmbeddedProfiles(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.do(http.MethodGet, "/v2/users/7/friends", "")
	h.do(http.MethodGet, "/v2/users/7/circle", "admin")
	rec := h.do(http.MethodGet, "/v2/users/7/friends", "")
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	rec = h.do(http.MethodPatch, "/v2/users/42", "owner")
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	for _, prefix := range []string{"user:7:friends:", "user:7:circle:"} {
		keys, err := h.store.KeysByPrefix(ctx, prefix)
		require.NoError(t, err)
		require.Empty(t, keys, prefix)
	}

	rec = h.do(http.MethodGet, "/v2/users/7/friends", "")
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestCoordinatorFriendshipChangeRefreshesBothPartitions(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	h.do(http.MethodGet, "/v2/users/9", "owner")
	h.do(http.MethodGet, "/v2/users/9", "admin")
	h.do(http.MethodGet, "/v2/events/5", "")
	h.do(http.MethodGet, "/v2/events", "")
	h.do(http.MethodGet, "/v2/users/7/friends", "")

	rec := h.do(http.MethodDelete, "/v2/users/42/friends/7", "owner")
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	for _, key := range []string{"user:9:42", "event:5:0"} {
		_, ok, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, ok, key)
	}
	for _, prefix := range []string{"events:list:", "user:7:friends:"} {
		keys, err := h.store.KeysByPrefix(ctx, prefix)
		require.NoError(t, err)
		require.Empty(t, keys, prefix)
	}
	_, ok, err := h.store.Get(ctx, "user:9:1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCoordinatorKeepsCacheWhenMutationFails(t *testing.T) {
	calls := &atomic.Int32{}
	echo := echoHandler(calls)
	h := newHarness(t, harnessOptions{next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"Forbidden"}`))
			return
		}
		echo.ServeHTTP(w, r)
	})})

	h.do(http.MethodGet, "/v2/users/42", "")
	rec := h.do(http.MethodPatch, "/v2/users/42", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	_, ok, err := h.store.Get(context.Background(), "user:42:0")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCoordinatorSkipsNonCacheableResponses(t *testing.T) {
	calls := &atomic.Int32{}
	h := newHarness(t, harnessOptions{next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/v2/events/8":
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
			_, _ = w.Write([]byte(`{"id":8}`))
		case "/v2/events/7":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("seven"))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Not found"}`))
		}
	})})

	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodGet, "/v2/events/7", "")
		require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
		require.Equal(t, "seven", rec.Body.String())

		rec = h.do(http.MethodGet, "/v2/events/8", "")
		require.Equal(t, "MISS", rec.Header().Get("X-Cache"))

		rec = h.do(http.MethodGet, "/v2/users/99", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	}
	require.EqualValues(t, 6, calls.Load())

	rec := h.do(http.MethodGet, "/v2/users/login", "")
	require.Empty(t, rec.Header().Get("X-Cache"), "excluded paths bypass the cache")
}

func TestCoordinatorStoreOutage(t *testing.T) {
	broken := func() kvstore.Store {
		return kvstore.NewGuarded(unavailableStore{Store: kvstore.NewMemory()}, time.Second, nil)
	}

	t.Run("fail open", func(t *testing.T) {
		h := newHarness(t, harnessOptions{store: broken(), failOpen: true})
		rec := h.do(http.MethodGet, "/v2/users/42", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
		require.Empty(t, rec.Header().Get("X-Global-RateLimit-Limit"))
		require.EqualValues(t, 1, h.calls.Load())
	})

	t.Run("fail closed", func(t *testing.T) {
		h := newHarness(t, harnessOptions{store: broken(), failOpen: false})
		rec := h.do(http.MethodGet, "/v2/users/42", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.JSONEq(t, `{"error":"Service unavailable"}`, rec.Body.String())
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		require.Zero(t, h.calls.Load())
	})
}

func TestCoordinatorRecoversHandlerPanic(t *testing.T) {
	h := newHarness(t, harnessOptions{next: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Partial", "yes")
		panic("boom")
	})})

	rec := h.do(http.MethodGet, "/v2/ping", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	require.Empty(t, rec.Header().Get("X-Partial"))
	require.Equal(t, "60", rec.Header().Get("X-Global-RateLimit-Limit"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCoordinatorEchoesCorrelationID(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	req := httptest.NewRequest(http.MethodGet, "/v2/ping", http.NoBody)
	req.Header.Set("X-Request-ID", "corr-abc")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, "corr-abc", rec.Header().Get("X-Request-ID"))

	rec = h.do(http.MethodGet, "/v2/ping", "")
	require.Len(t, rec.Header().Get("X-Request-ID"), 32)
}

func TestCoordinatorDegradesBrokenRequesterToAnonymous(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodGet, "/v2/users/42", "broken")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "60", rec.Header().Get("X-Global-RateLimit-Limit"))
	require.Contains(t, rec.Body.String(), `"viewer":0`)
}

func TestCoordinatorSwapEngine(t *testing.T) {
	h := newHarness(t, harnessOptions{noCache: true})
	require.Nil(t, h.coordinator.Engine())

	rec := h.do(http.MethodGet, "/v2/users/42", "")
	require.Empty(t, rec.Header().Get("X-Cache"))

	engine, err := cachepolicy.Compile("swapped", config.CachePolicy{
		Retrieval: []config.RetrievalRuleConfig{{Name: "user", Path: `^/v2/users/(\d+)$`, Key: "u:{uid}:{req_uid}", TTLSeconds: 30}},
	}, nil)
	require.NoError(t, err)
	h.coordinator.SwapEngine(engine)
	require.Equal(t, "swapped", h.coordinator.Engine().Source())

	rec = h.do(http.MethodGet, "/v2/users/42", "")
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	rec = h.do(http.MethodGet, "/v2/users/42", "")
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	h.coordinator.SwapEngine(nil)
	rec = h.do(http.MethodGet, "/v2/users/42", "")
	require.Empty(t, rec.Header().Get("X-Cache"))
}

func TestCoordinatorHeadOmitsBody(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodHead, "/v2/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, rec.Body.Len())
	require.Equal(t, "59", rec.Header().Get("X-Global-RateLimit-Remaining"))
}
