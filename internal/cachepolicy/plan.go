package cachepolicy

import (
	"context"
	"fmt"
	"net/http"
)

// RetrievalPlan is a matched retrieval rule and the key it resolves to for one request.
type RetrievalPlan struct {
	Rule *RetrievalRule
	Key  string
}

// InvalidationPlan is a matched update or delete rule with its patterns resolved.
type InvalidationPlan struct {
	Rule     Rule
	Patterns []string
}

// PlanRetrieval decides whether r is served through the cache. ok is false for
// non-GET requests, excluded paths, unmatched paths and rules whose guard
// declines the request.
func (e *Engine) PlanRetrieval(ctx context.Context, r *http.Request, viewer Viewer, users UserLookup) (RetrievalPlan, bool, error) {
	if r.Method != http.MethodGet || e.Excluded(r.URL.Path) {
		return RetrievalPlan{}, false, nil
	}
	rule, ok := e.MatchRetrieval(r.Method, r.URL.Path)
	if !ok {
		return RetrievalPlan{}, false, nil
	}
	admitted, err := rule.Admits(Activation(r, viewer))
	if err != nil {
		return RetrievalPlan{}, false, fmt.Errorf("cachepolicy: rule %s guard: %w", rule.Name(), err)
	}
	if !admitted {
		return RetrievalPlan{}, false, nil
	}
	params, err := ExtractPathParams(ctx, rule.Pattern(), r.URL.Path, viewer.ID, users)
	if err != nil {
		return RetrievalPlan{}, false, err
	}
	params = ApplyPlaceholders(params, r.URL.Query(), viewer.ID)
	return RetrievalPlan{Rule: rule, Key: BuildKey(rule.Key, params)}, true, nil
}

// PlanInvalidation matches a mutating request against the update and delete
// rules and resolves their patterns with the same placeholder set retrieval
// keys use.
func (e *Engine) PlanInvalidation(ctx context.Context, r *http.Request, viewer Viewer, users UserLookup) (InvalidationPlan, bool, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || e.Excluded(r.URL.Path) {
		return InvalidationPlan{}, false, nil
	}
	rule, patterns, ok := e.MatchMutation(r.Method, r.URL.Path)
	if !ok {
		return InvalidationPlan{}, false, nil
	}
	admitted, err := rule.Admits(Activation(r, viewer))
	if err != nil {
		return InvalidationPlan{}, false, fmt.Errorf("cachepolicy: rule %s guard: %w", rule.Name(), err)
	}
	if !admitted {
		return InvalidationPlan{}, false, nil
	}
	params, err := ExtractPathParams(ctx, rule.Pattern(), r.URL.Path, viewer.ID, users)
	if err != nil {
		return InvalidationPlan{}, false, err
	}
	params = ApplyPlaceholders(params, r.URL.Query(), viewer.ID)
	resolved := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		resolved = append(resolved, ResolvePattern(pattern, params))
	}
	return InvalidationPlan{Rule: rule, Patterns: resolved}, true, nil
}
