package cachepolicy

import (
	"net/http"
	"strings"
)

// Viewer is the requester as seen by rule guards.
type Viewer struct {
	ID    int64
	Admin bool
}

// Activation builds the CEL variables for when guards.
func Activation(r *http.Request, viewer Viewer) map[string]any {
	query := make(map[string]any, len(r.URL.Query()))
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[strings.ToLower(name)] = values[0]
		}
	}
	headers := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return map[string]any{
		"request": map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   query,
			"headers": headers,
		},
		"requester": map[string]any{
			"id":            viewer.ID,
			"authenticated": viewer.ID > 0,
			"admin":         viewer.Admin,
		},
	}
}
