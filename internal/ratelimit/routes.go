package ratelimit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/earthapp/mantle/internal/config"
)

type route struct {
	name    string
	methods map[string]struct{}
	pattern *regexp.Regexp
}

// RouteTable names requests so per-route rules can find them. The first
// matching entry wins.
type RouteTable struct {
	routes []route
}

func NewRouteTable(entries []config.RouteConfig) (*RouteTable, error) {
	table := &RouteTable{routes: make([]route, 0, len(entries))}
	for i, entry := range entries {
		pattern, err := regexp.Compile(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: routes[%d] %s: %w", i, entry.Name, err)
		}
		r := route{name: entry.Name, pattern: pattern}
		if len(entry.Methods) > 0 {
			r.methods = make(map[string]struct{}, len(entry.Methods))
			for _, method := range entry.Methods {
				r.methods[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
			}
		}
		table.routes = append(table.routes, r)
	}
	return table, nil
}

// Match returns the route name for method and path, or "" when nothing matches.
func (t *RouteTable) Match(method, path string) string {
	if t == nil {
		return ""
	}
	method = strings.ToUpper(method)
	for _, r := range t.routes {
		if r.methods != nil {
			if _, ok := r.methods[method]; !ok {
				continue
			}
		}
		if r.pattern.MatchString(path) {
			return r.name
		}
	}
	return ""
}
