package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/earthapp/mantle/internal/cachepolicy"
	"github.com/earthapp/mantle/internal/ratelimit"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Phase is a step of the per-request lifecycle. Phases only move forward;
// a short-circuit skips straight to PhaseHeadersAttached.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseRateChecked
	PhaseCacheChecked
	PhaseHandlerRun
	PhaseCacheWrite
	PhaseHeadersAttached
	PhaseEnd
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "START"
	case PhaseRateChecked:
		return "RATE_CHECKED"
	case PhaseCacheChecked:
		return "CACHE_CHECKED"
	case PhaseHandlerRun:
		return "HANDLER_RUN"
	case PhaseCacheWrite:
		return "CACHE_WRITE/INVALIDATE"
	case PhaseHeadersAttached:
		return "HEADERS_ATTACHED"
	case PhaseEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// RequestState preserves the inbound request snapshot for logging and guards.
type RequestState struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}

// RequesterState is who the request was resolved to. ID is zero for anonymous callers.
type RequesterState struct {
	ID            int64  `json:"id"`
	Authenticated bool   `json:"authenticated"`
	Admin         bool   `json:"admin"`
	Identity      string `json:"identity"`
}

// Viewer adapts the requester for cache rule guards and key placeholders.
func (r RequesterState) Viewer() cachepolicy.Viewer {
	return cachepolicy.Viewer{ID: r.ID, Admin: r.Admin}
}

// RateState records the limiter outcome. Checked is false when limiting is
// disabled or the store failed before any decision was made.
type RateState struct {
	Checked     bool              `json:"checked"`
	Outcome     ratelimit.Outcome `json:"-"`
	Unavailable bool              `json:"unavailable"`
}

// CacheState captures cache participation for the request.
type CacheState struct {
	Rule        string   `json:"rule,omitempty"`
	Key         string   `json:"key,omitempty"`
	Status      string   `json:"status,omitempty"`
	Hit         bool     `json:"hit"`
	Stored      bool     `json:"stored"`
	Invalidated []string `json:"invalidated,omitempty"`

	retrieval    *cachepolicy.RetrievalPlan
	invalidation *cachepolicy.InvalidationPlan
}

// ResponseState is the response composed for the caller. Headers are merged
// over whatever the handler set.
type ResponseState struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"-"`
	Body    []byte      `json:"-"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	phase Phase
	trail []Phase
	done  bool

	CorrelationID string    `json:"correlationId"`
	Route         string    `json:"route,omitempty"`
	StartedAt     time.Time `json:"startedAt"`

	Request   RequestState   `json:"request"`
	Requester RequesterState `json:"requester"`
	Rate      RateState      `json:"rate"`
	Cache     CacheState     `json:"cache"`
	Response  ResponseState  `json:"response"`
}

// NewState captures the inbound request metadata and initializes the shared
// state for one request.
func NewState(r *http.Request, correlationID string) *State {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		query[strings.ToLower(name)] = values[0]
	}
	return &State{
		phase:         PhaseStart,
		trail:         []Phase{PhaseStart},
		CorrelationID: correlationID,
		StartedAt:     time.Now().UTC(),
		Request: RequestState{
			Method:  r.Method,
			Path:    r.URL.Path,
			Host:    r.Host,
			Headers: headers,
			Query:   query,
		},
		Response: ResponseState{
			Headers: make(http.Header),
		},
	}
}

// Phase returns the current lifecycle phase.
func (s *State) Phase() Phase { return s.phase }

// Trail lists every phase entered so far, in order.
func (s *State) Trail() []Phase {
	out := make([]Phase, len(s.trail))
	copy(out, s.trail)
	return out
}

// Advance enters next. Moving backwards or staying put is ignored and
// reported as false.
func (s *State) Advance(next Phase) bool {
	if next <= s.phase {
		return false
	}
	s.phase = next
	s.trail = append(s.trail, next)
	return true
}

// Respond fixes the final response and marks the request as short-circuited,
// so the remaining agents up to header attachment are skipped.
func (s *State) Respond(status int, body []byte) {
	s.Response.Status = status
	s.Response.Body = body
	s.done = true
}

// ShortCircuited reports whether Respond was called.
func (s *State) ShortCircuited() bool { return s.done }

// SetRetrievalPlan stores the matched retrieval rule and its resolved key.
func (s *State) SetRetrievalPlan(plan cachepolicy.RetrievalPlan) {
	s.Cache.retrieval = &plan
	s.Cache.Rule = plan.Rule.Name()
	s.Cache.Key = plan.Key
}

// RetrievalPlan returns the plan set by the cache lookup, if any.
func (s *State) RetrievalPlan() (cachepolicy.RetrievalPlan, bool) {
	if s.Cache.retrieval == nil {
		return cachepolicy.RetrievalPlan{}, false
	}
	return *s.Cache.retrieval, true
}

// SetInvalidationPlan stores the matched mutation rule and resolved patterns.
func (s *State) SetInvalidationPlan(plan cachepolicy.InvalidationPlan) {
	s.Cache.invalidation = &plan
	s.Cache.Rule = plan.Rule.Name()
}

// InvalidationPlan returns the plan computed before the handler ran, if any.
func (s *State) InvalidationPlan() (cachepolicy.InvalidationPlan, bool) {
	if s.Cache.invalidation == nil {
		return cachepolicy.InvalidationPlan{}, false
	}
	return *s.Cache.invalidation, true
}
