package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/earthapp/mantle/internal/templates"
)

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"

	headerGlobalLimit     = "X-Global-RateLimit-Limit"
	headerGlobalRemaining = "X-Global-RateLimit-Remaining"
	headerGlobalReset     = "X-Global-RateLimit-Reset"
)

// WriteHeaders attaches the global header set and, when the request maps to a
// per-route rule, the endpoint header set, including a tier skipped after a
// global rejection. Reset values are epoch seconds.
func WriteHeaders(h http.Header, outcome Outcome) {
	writeDecision(h, outcome.Global, headerGlobalLimit, headerGlobalRemaining, headerGlobalReset)
	if outcome.Endpoint != nil {
		writeDecision(h, *outcome.Endpoint, headerLimit, headerRemaining, headerReset)
	}
}

func writeDecision(h http.Header, d Decision, limit, remaining, reset string) {
	if d.Limit <= 0 {
		return
	}
	h.Set(limit, strconv.Itoa(d.Limit))
	h.Set(remaining, strconv.Itoa(d.Remaining))
	h.Set(reset, strconv.FormatInt(d.Reset.Unix(), 10))
}

// Rejection is the 429 response body.
type Rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// Messages renders the human-readable part of a rejection.
type Messages struct {
	tmpl *templates.Template
}

// NewMessages compiles source with the sprig renderer. An empty source uses
// the built-in wording.
func NewMessages(renderer *templates.Renderer, source string) (*Messages, error) {
	tmpl, err := renderer.CompileInline("ratelimit-message", source)
	if err != nil {
		return nil, err
	}
	return &Messages{tmpl: tmpl}, nil
}

// Reject builds the 429 body for the denying decision.
func (m *Messages) Reject(d Decision, now time.Time) Rejection {
	retryAfter := d.RetryAfter(now)
	return Rejection{
		Error:      "Rate limit exceeded",
		Message:    m.render(d, retryAfter),
		RetryAfter: retryAfter,
	}
}

func (m *Messages) render(d Decision, retryAfter int) string {
	fallback := fmt.Sprintf("Too many requests. Try again in %d seconds.", retryAfter)
	if m == nil || m.tmpl == nil {
		return fallback
	}
	out, err := m.tmpl.Render(map[string]any{
		"Scope":      d.Scope,
		"Limit":      d.Limit,
		"Window":     int(d.Window / time.Second),
		"RetryAfter": retryAfter,
	})
	if err != nil {
		return fallback
	}
	return out
}
