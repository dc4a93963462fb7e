package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/earthapp/mantle/internal/cachepolicy"
	"github.com/earthapp/mantle/internal/metrics"
	"github.com/earthapp/mantle/internal/ratelimit"
	"github.com/earthapp/mantle/internal/runtime/pipeline"
)

const (
	headerCache      = "X-Cache"
	headerRetryAfter = "Retry-After"
	cacheHit         = "HIT"
	cacheMiss        = "MISS"
)

func jsonBody(v any) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"Internal server error"}`)
	}
	return body
}

// rateLimitAgent applies the global tier and then the per-route tier.
type rateLimitAgent struct {
	c *Coordinator
}

func (a *rateLimitAgent) Name() string { return "rate_limit" }

func (a *rateLimitAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	defer state.Advance(pipeline.PhaseRateChecked)
	policy := a.c.rateLimit
	if policy == nil {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}

	outcome, err := policy.Check(ctx, ratelimit.Request{
		Identity:      state.Requester.Identity,
		Authenticated: state.Requester.Authenticated,
		Method:        r.Method,
		Path:          r.URL.Path,
	})
	state.Route = outcome.Route
	if err != nil {
		// Partial decisions are not reported; the headers would claim a denial.
		state.Rate.Unavailable = true
		if a.c.failOpen {
			a.c.metrics.ObserveRateLimit("global", metrics.RateLimitFailOpen)
			a.c.warn.Warn("rate limit store unavailable; allowing request",
				slog.String("correlation_id", state.CorrelationID),
				slog.Any("error", err),
			)
			return pipeline.Result{Name: a.Name(), Status: "fail_open", Details: err.Error()}
		}
		a.c.metrics.ObserveRateLimit("global", metrics.RateLimitFailClosed)
		a.c.warn.Warn("rate limit store unavailable; rejecting request",
			slog.String("correlation_id", state.CorrelationID),
			slog.Any("error", err),
		)
		state.Response.Headers.Set("Content-Type", "application/json")
		state.Respond(http.StatusServiceUnavailable, jsonBody(map[string]string{"error": "Service unavailable"}))
		return pipeline.Result{Name: a.Name(), Status: "fail_closed", Details: err.Error()}
	}
	state.Rate.Checked = true
	state.Rate.Outcome = outcome

	a.c.metrics.ObserveRateLimit("global", decisionOutcome(outcome.Global))
	if outcome.Endpoint != nil && !outcome.Endpoint.Skipped {
		a.c.metrics.ObserveRateLimit("endpoint", decisionOutcome(*outcome.Endpoint))
	}

	denied, rejected := outcome.Rejected()
	if !rejected {
		return pipeline.Result{Name: a.Name(), Status: "allowed", Meta: map[string]any{"route": outcome.Route}}
	}
	rejection := a.c.messages.Reject(denied, policy.Now())
	state.Response.Headers.Set("Content-Type", "application/json")
	state.Response.Headers.Set(headerRetryAfter, strconv.Itoa(rejection.RetryAfter))
	state.Respond(http.StatusTooManyRequests, jsonBody(rejection))
	return pipeline.Result{Name: a.Name(), Status: "denied", Details: denied.Scope}
}

func decisionOutcome(d ratelimit.Decision) metrics.RateLimitOutcome {
	if d.Allowed {
		return metrics.RateLimitAllowed
	}
	return metrics.RateLimitDenied
}

// cacheLookupAgent probes the store for GET requests and plans invalidation
// for mutating requests. Store failures are treated as misses.
type cacheLookupAgent struct {
	c *Coordinator
}

func (a *cacheLookupAgent) Name() string { return "cache_lookup" }

func (a *cacheLookupAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.ShortCircuited() {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	defer state.Advance(pipeline.PhaseCacheChecked)
	engine := a.c.Engine()
	if engine == nil || a.c.store == nil {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}
	viewer := state.Requester.Viewer()

	if r.Method != http.MethodGet {
		plan, ok, err := engine.PlanInvalidation(ctx, r, viewer, a.c.requesters)
		if err != nil {
			a.c.warn.Warn("cache invalidation planning failed", slog.String("correlation_id", state.CorrelationID), slog.Any("error", err))
			return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
		}
		if !ok {
			return pipeline.Result{Name: a.Name(), Status: "bypass"}
		}
		state.SetInvalidationPlan(plan)
		return pipeline.Result{Name: a.Name(), Status: "planned", Meta: map[string]any{"patterns": plan.Patterns}}
	}

	plan, ok, err := engine.PlanRetrieval(ctx, r, viewer, a.c.requesters)
	if err != nil {
		a.c.warn.Warn("cache key planning failed", slog.String("correlation_id", state.CorrelationID), slog.Any("error", err))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "bypass"}
	}

	start := time.Now()
	body, hit, err := a.c.store.Get(ctx, plan.Key)
	rule := plan.Rule.Name()
	state.Cache.Rule = rule
	state.Cache.Key = plan.Key
	state.Cache.Status = cacheMiss
	if err != nil {
		a.c.metrics.ObserveCache(rule, metrics.CacheOperationLookup, metrics.CacheError, time.Since(start))
		a.c.warn.Warn("cache lookup failed; serving live response",
			slog.String("correlation_id", state.CorrelationID),
			slog.String("key", plan.Key),
			slog.Any("error", err),
		)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}
	if !hit {
		a.c.metrics.ObserveCache(rule, metrics.CacheOperationLookup, metrics.CacheMiss, time.Since(start))
		state.SetRetrievalPlan(plan)
		return pipeline.Result{Name: a.Name(), Status: "miss"}
	}
	a.c.metrics.ObserveCache(rule, metrics.CacheOperationLookup, metrics.CacheHit, time.Since(start))
	state.Cache.Hit = true
	state.Cache.Status = cacheHit
	state.Response.Headers.Set("Content-Type", "application/json")
	state.Respond(http.StatusOK, body)
	return pipeline.Result{Name: a.Name(), Status: "hit"}
}

// handlerAgent runs the wrapped handler into a buffer. Panics become a JSON 500.
type handlerAgent struct {
	c    *Coordinator
	next http.Handler
}

func (a *handlerAgent) Name() string { return "handler" }

func (a *handlerAgent) Execute(_ context.Context, r *http.Request, state *pipeline.State) (result pipeline.Result) {
	if state.ShortCircuited() {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	defer state.Advance(pipeline.PhaseHandlerRun)

	buf := newBufferedWriter()
	defer func() {
		if recovered := recover(); recovered != nil {
			a.c.logger.Error("handler panic",
				slog.String("correlation_id", state.CorrelationID),
				slog.Any("panic", recovered),
			)
			state.Response.Headers = make(http.Header)
			state.Response.Headers.Set("Content-Type", "application/json")
			state.Response.Status = http.StatusInternalServerError
			state.Response.Body = []byte(`{"error":"Internal server error"}`)
			result = pipeline.Result{Name: a.Name(), Status: "panic"}
		}
	}()
	a.next.ServeHTTP(buf, r)

	for name, values := range buf.Header() {
		state.Response.Headers[name] = values
	}
	state.Response.Status = buf.statusCode()
	state.Response.Body = buf.body.Bytes()
	return pipeline.Result{Name: a.Name(), Status: strconv.Itoa(state.Response.Status)}
}

// cacheWriteAgent stores successful JSON GET responses and applies planned
// invalidations after successful mutations.
type cacheWriteAgent struct {
	c *Coordinator
}

func (a *cacheWriteAgent) Name() string { return "cache_write" }

func (a *cacheWriteAgent) Execute(ctx context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.ShortCircuited() {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}
	defer state.Advance(pipeline.PhaseCacheWrite)
	if !successful(state.Response.Status) {
		return pipeline.Result{Name: a.Name(), Status: "not_successful"}
	}

	if plan, ok := state.RetrievalPlan(); ok {
		if !isJSON(state.Response.Headers.Get("Content-Type")) {
			return pipeline.Result{Name: a.Name(), Status: "not_json"}
		}
		ttl := cachepolicy.ParseCacheControl(state.Response.Headers.Get("Cache-Control")).StoreTTL(plan.Rule.TTL)
		if ttl <= 0 {
			return pipeline.Result{Name: a.Name(), Status: "no_store"}
		}
		start := time.Now()
		rule := plan.Rule.Name()
		if err := a.c.store.SetWithExpire(ctx, plan.Key, state.Response.Body, ttl); err != nil {
			a.c.metrics.ObserveCache(rule, metrics.CacheOperationStore, metrics.CacheError, time.Since(start))
			a.c.warn.Warn("cache store failed", slog.String("correlation_id", state.CorrelationID), slog.String("key", plan.Key), slog.Any("error", err))
			return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
		}
		a.c.metrics.ObserveCache(rule, metrics.CacheOperationStore, metrics.CacheStored, time.Since(start))
		state.Cache.Stored = true
		return pipeline.Result{Name: a.Name(), Status: "stored"}
	}

	if plan, ok := state.InvalidationPlan(); ok {
		rule := plan.Rule.Name()
		for _, pattern := range plan.Patterns {
			start := time.Now()
			deleted, err := cachepolicy.Invalidate(ctx, a.c.store, pattern)
			if err != nil {
				a.c.metrics.ObserveCache(rule, metrics.CacheOperationInvalidate, metrics.CacheError, time.Since(start))
				a.c.warn.Warn("cache invalidation failed", slog.String("correlation_id", state.CorrelationID), slog.String("pattern", pattern), slog.Any("error", err))
				continue
			}
			a.c.metrics.ObserveCache(rule, metrics.CacheOperationInvalidate, metrics.CacheDeleted, time.Since(start))
			state.Cache.Invalidated = append(state.Cache.Invalidated, deleted...)
		}
		return pipeline.Result{Name: a.Name(), Status: "invalidated", Meta: map[string]any{"keys": len(state.Cache.Invalidated)}}
	}
	return pipeline.Result{Name: a.Name(), Status: "noop"}
}

func successful(status int) bool { return status >= 200 && status < 300 }

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

// headerAgent runs on every path, including rejections, cache hits and handler panics.
type headerAgent struct {
	c *Coordinator
}

func (a *headerAgent) Name() string { return "headers" }

func (a *headerAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	defer state.Advance(pipeline.PhaseHeadersAttached)
	h := state.Response.Headers
	ratelimit.WriteHeaders(h, state.Rate.Outcome)
	if state.Cache.Status != "" {
		h.Set(headerCache, state.Cache.Status)
	}
	if a.c.correlationHeader != "" {
		h.Set(a.c.correlationHeader, state.CorrelationID)
	}
	if state.Response.Status == 0 {
		state.Response.Status = http.StatusOK
	}
	return pipeline.Result{Name: a.Name(), Status: "attached"}
}

// bufferedWriter holds the handler's response until the lifecycle finishes.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}
