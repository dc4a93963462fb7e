package ratelimit

import (
	"context"
	"time"

	"github.com/earthapp/mantle/internal/config"
)

const (
	ScopeGlobalAuthenticated = "global:auth"
	ScopeGlobalAnonymous     = "global:anon"
	routeScopePrefix         = "route:"
)

// RouteScope is the scope of the per-route rule for name.
func RouteScope(name string) string { return routeScopePrefix + name }

// Request carries what the policy needs to know about one inbound request.
type Request struct {
	Identity      string
	Authenticated bool
	Method        string
	Path          string
}

// Outcome holds the decisions computed for a request. Endpoint is nil when
// the request maps to no per-route rule.
type Outcome struct {
	Route    string
	Global   Decision
	Endpoint *Decision
}

// Allowed reports whether every evaluated tier admitted the request.
func (o Outcome) Allowed() bool {
	if !o.Global.Allowed {
		return false
	}
	return o.Endpoint == nil || o.Endpoint.Allowed
}

// Rejected returns the decision that denied the request.
func (o Outcome) Rejected() (Decision, bool) {
	if !o.Global.Allowed {
		return o.Global, true
	}
	if o.Endpoint != nil && !o.Endpoint.Allowed {
		return *o.Endpoint, true
	}
	return Decision{}, false
}

// Policy applies the global tier and then, only when the global tier allowed
// the request, the per-route tier. It is immutable once built.
type Policy struct {
	limiter       *Limiter
	authenticated Rule
	anonymous     Rule
	routes        *RouteTable
	endpoints     map[string]Rule
}

func NewPolicy(cfg config.RateLimitConfig, limiter *Limiter) (*Policy, error) {
	routes, err := NewRouteTable(cfg.Routes)
	if err != nil {
		return nil, err
	}
	p := &Policy{
		limiter:       limiter,
		authenticated: ruleFrom(ScopeGlobalAuthenticated, cfg.Global.Authenticated.Max, cfg.Global.Authenticated.WindowSeconds),
		anonymous:     ruleFrom(ScopeGlobalAnonymous, cfg.Global.Anonymous.Max, cfg.Global.Anonymous.WindowSeconds),
		routes:        routes,
		endpoints:     make(map[string]Rule, len(cfg.Endpoints)),
	}
	if err := p.authenticated.validate(); err != nil {
		return nil, err
	}
	if err := p.anonymous.validate(); err != nil {
		return nil, err
	}
	for _, endpoint := range cfg.Endpoints {
		rule := ruleFrom(RouteScope(endpoint.Route), endpoint.Max, endpoint.WindowSeconds)
		if err := rule.validate(); err != nil {
			return nil, err
		}
		p.endpoints[endpoint.Route] = rule
	}
	return p, nil
}

func ruleFrom(scope string, limit, windowSeconds int) Rule {
	return Rule{Scope: scope, Max: limit, Window: time.Duration(windowSeconds) * time.Second}
}

// GlobalRule returns the global rule for the requested tier.
func (p *Policy) GlobalRule(authenticated bool) Rule {
	if authenticated {
		return p.authenticated
	}
	return p.anonymous
}

// Check evaluates req. On a store error the returned outcome holds whatever
// was computed before the failure and the error wraps kvstore.ErrUnavailable.
func (p *Policy) Check(ctx context.Context, req Request) (Outcome, error) {
	outcome := Outcome{Route: p.routes.Match(req.Method, req.Path)}
	endpointRule, hasEndpoint := p.endpoints[outcome.Route]

	global, err := p.limiter.Check(ctx, p.GlobalRule(req.Authenticated), req.Identity)
	outcome.Global = global
	if err != nil {
		return outcome, err
	}
	if !hasEndpoint {
		return outcome, nil
	}
	if !global.Allowed {
		skipped := p.limiter.Skip(endpointRule)
		outcome.Endpoint = &skipped
		return outcome, nil
	}

	endpoint, err := p.limiter.Check(ctx, endpointRule, req.Identity)
	if err != nil {
		return outcome, err
	}
	outcome.Endpoint = &endpoint
	return outcome, nil
}

// Now exposes the policy clock.
func (p *Policy) Now() time.Time { return p.limiter.Now() }
