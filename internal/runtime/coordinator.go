// Package runtime coordinates rate limiting, response caching and handler
// execution around every API request.
package runtime

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/earthapp/mantle/internal/cachepolicy"
	"github.com/earthapp/mantle/internal/directory"
	"github.com/earthapp/mantle/internal/kvstore"
	"github.com/earthapp/mantle/internal/logging"
	"github.com/earthapp/mantle/internal/metrics"
	"github.com/earthapp/mantle/internal/ratelimit"
	"github.com/earthapp/mantle/internal/runtime/pipeline"
)

const warnInterval = 10 * time.Second

// Requesters resolves callers and usernames. *directory.Directory implements it.
type Requesters interface {
	ResolveRequester(r *http.Request) directory.Result[directory.User]
	cachepolicy.UserLookup
}

type Options struct {
	Prefix             string
	TrustedProxyHeader string
	CorrelationHeader  string
	Store              kvstore.Store
	// RateLimit is nil when limiting is disabled.
	RateLimit *ratelimit.Policy
	Messages  *ratelimit.Messages
	FailOpen  bool
	// Engine is nil when caching is disabled.
	Engine     *cachepolicy.Engine
	Requesters Requesters
	Metrics    *metrics.Recorder
}

// Coordinator runs the request lifecycle for paths under the API prefix.
// Paths outside the prefix are passed through untouched.
type Coordinator struct {
	logger            *slog.Logger
	warn              *logging.Throttled
	prefix            string
	trustedHeader     string
	correlationHeader string
	store             kvstore.Store
	rateLimit         *ratelimit.Policy
	messages          *ratelimit.Messages
	failOpen          bool
	requesters        Requesters
	metrics           *metrics.Recorder

	engine atomic.Pointer[cachepolicy.Engine]
}

func NewCoordinator(logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "coordinator"))
	c := &Coordinator{
		logger:            logger,
		warn:              logging.NewThrottled(logger, warnInterval),
		prefix:            strings.TrimRight(opts.Prefix, "/"),
		trustedHeader:     strings.TrimSpace(opts.TrustedProxyHeader),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		store:             opts.Store,
		rateLimit:         opts.RateLimit,
		messages:          opts.Messages,
		failOpen:          opts.FailOpen,
		requesters:        opts.Requesters,
		metrics:           opts.Metrics,
	}
	if opts.Engine != nil && opts.Store != nil {
		c.engine.Store(opts.Engine)
	}
	return c
}

// SwapEngine installs a new cache policy. In-flight requests keep the engine
// they started with. A nil engine disables caching.
func (c *Coordinator) SwapEngine(engine *cachepolicy.Engine) {
	c.engine.Store(engine)
	source := "disabled"
	if engine != nil {
		source = engine.Source()
	}
	c.logger.Info("cache policy installed", slog.String("source", source))
}

// Engine returns the active cache policy, or nil.
func (c *Coordinator) Engine() *cachepolicy.Engine { return c.engine.Load() }

func (c *Coordinator) inScope(path string) bool {
	if c.prefix == "" {
		return true
	}
	return path == c.prefix || strings.HasPrefix(path, c.prefix+"/")
}

// Middleware wraps next with the lifecycle.
func (c *Coordinator) Middleware(next http.Handler) http.Handler {
	agents := c.instrumentAgents([]pipeline.Agent{
		&rateLimitAgent{c: c},
		&cacheLookupAgent{c: c},
		&handlerAgent{c: c, next: next},
		&cacheWriteAgent{c: c},
		&headerAgent{c: c},
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.inScope(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		c.serve(w, r, agents)
	})
}

func (c *Coordinator) serve(w http.ResponseWriter, r *http.Request, agents []pipeline.Agent) {
	start := time.Now()
	state := pipeline.NewState(r, c.requestCorrelationID(r))
	r = c.resolveRequester(r, state)

	for _, ag := range agents {
		// Agents publish their observable state via the shared pipeline.State.
		_ = ag.Execute(r.Context(), r, state)
	}

	header := w.Header()
	for name, values := range state.Response.Headers {
		header[name] = values
	}
	w.WriteHeader(state.Response.Status)
	if len(state.Response.Body) > 0 && r.Method != http.MethodHead {
		if _, err := w.Write(state.Response.Body); err != nil {
			c.logger.Debug("response write failed", slog.String("correlation_id", state.CorrelationID), slog.Any("error", err))
		}
	}
	state.Advance(pipeline.PhaseEnd)

	duration := time.Since(start)
	c.metrics.ObserveRequest(state.Route, r.Method, state.Response.Status, state.Cache.Status, duration)
	c.logger.Info("request completed",
		slog.String("correlation_id", state.CorrelationID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", state.Route),
		slog.Int("http_status", state.Response.Status),
		slog.String("cache", state.Cache.Status),
		slog.Int64("requester", state.Requester.ID),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
}

// resolveRequester fills the requester state and attaches the user to the
// request context. Directory failures degrade to anonymous.
func (c *Coordinator) resolveRequester(r *http.Request, state *pipeline.State) *http.Request {
	state.Requester.Identity = ratelimit.ClientIdentity(r, c.trustedHeader)
	if c.requesters == nil {
		return r
	}
	res := c.requesters.ResolveRequester(r)
	switch res.Status {
	case directory.StatusOK:
		state.Requester.ID = res.Value.ID
		state.Requester.Admin = res.Value.Admin
		state.Requester.Authenticated = true
		return r.WithContext(directory.WithRequester(r.Context(), res.Value))
	case directory.StatusFailed:
		c.warn.Warn("requester resolution failed; treating as anonymous",
			slog.String("correlation_id", state.CorrelationID),
			slog.Any("error", res.Err),
		)
	}
	return r
}

func (c *Coordinator) requestCorrelationID(r *http.Request) string {
	if r != nil && c.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(c.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
