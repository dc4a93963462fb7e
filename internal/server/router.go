package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthTimeout = 2 * time.Second

// Check probes one dependency for /healthz.
type Check func(ctx context.Context) error

// Routes describes what the root router mounts.
type Routes struct {
	// Prefix is where API is mounted, for example "/v2".
	Prefix string
	// API serves everything under Prefix.
	API http.Handler
	// Lifecycle wraps API. Nil serves API directly.
	Lifecycle func(http.Handler) http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Checks run on /healthz, keyed by dependency name.
	Checks map[string]Check
}

// NewRouter returns the root handler. Health and metrics stay outside the
// API prefix so they bypass rate limiting and caching.
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})

	r.Get("/healthz", healthHandler(routes.Checks))
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}

	if routes.API != nil {
		api := routes.API
		if routes.Lifecycle != nil {
			api = routes.Lifecycle(api)
		}
		prefix := "/" + strings.Trim(routes.Prefix, "/")
		if prefix == "/" {
			r.Mount("/", api)
		} else {
			r.Mount(prefix, api)
		}
	}
	return r
}

func healthHandler(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
