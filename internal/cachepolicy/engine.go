package cachepolicy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/earthapp/mantle/internal/config"
	"github.com/earthapp/mantle/internal/expr"
)

// Engine is an immutable, compiled cache policy. Rules of each kind are
// scanned in declaration order and the first match wins.
type Engine struct {
	source    string
	exclude   []string
	retrieval []*RetrievalRule
	updates   []*UpdateRule
	deletes   []*DeleteRule
}

// Compile validates policy and builds an Engine. Any invalid rule fails the
// whole policy with a *config.PolicyError.
func Compile(source string, policy config.CachePolicy, env *expr.Environment) (*Engine, error) {
	if env == nil {
		var err error
		if env, err = expr.NewEnvironment(); err != nil {
			return nil, &config.PolicyError{Source: source, Err: err}
		}
	}
	engine := &Engine{source: source}
	for _, entry := range policy.Exclude {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			engine.exclude = append(engine.exclude, trimmed)
		}
	}

	names := make(map[string]struct{})
	build := func(kind Kind, index int, name, path, when string, methods []string) (matcher, error) {
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("%s[%d]", kind, index)
		}
		fail := func(err error) (matcher, error) {
			return matcher{}, &config.PolicyError{Source: source, Rule: name, Err: err}
		}
		if _, dup := names[name]; dup {
			return fail(errors.New("duplicate rule name"))
		}
		names[name] = struct{}{}
		if strings.TrimSpace(path) == "" {
			return fail(errors.New("path required"))
		}
		pattern, err := regexp.Compile(path)
		if err != nil {
			return fail(err)
		}
		m := matcher{name: name, pattern: pattern}
		switch kind {
		case KindRetrieval:
			m.methods = methodSet(methods, defaultRetrievalMethods)
		case KindUpdate:
			m.methods = methodSet(methods, defaultUpdateMethods)
		default:
			m.methods = methodSet(methods, defaultDeleteMethods)
		}
		if strings.TrimSpace(when) != "" {
			program, err := env.Compile(when)
			if err != nil {
				return fail(err)
			}
			m.when = program
		}
		return m, nil
	}

	for i, cfg := range policy.Retrieval {
		m, err := build(KindRetrieval, i, cfg.Name, cfg.Path, cfg.When, cfg.Methods)
		if err != nil {
			return nil, err
		}
		for method := range m.methods {
			if method != "GET" {
				return nil, &config.PolicyError{Source: source, Rule: m.name, Err: fmt.Errorf("retrieval rules only apply to GET, got %s", method)}
			}
		}
		if strings.TrimSpace(cfg.Key) == "" {
			return nil, &config.PolicyError{Source: source, Rule: m.name, Err: errors.New("key required")}
		}
		if cfg.TTLSeconds <= 0 {
			return nil, &config.PolicyError{Source: source, Rule: m.name, Err: fmt.Errorf("ttlSeconds must be positive: %d", cfg.TTLSeconds)}
		}
		engine.retrieval = append(engine.retrieval, &RetrievalRule{
			matcher: m,
			Key:     cfg.Key,
			TTL:     time.Duration(cfg.TTLSeconds) * time.Second,
		})
	}

	mutation := func(kind Kind, i int, cfg config.MutationRuleConfig) (MutationRule, error) {
		m, err := build(kind, i, cfg.Name, cfg.Path, cfg.When, cfg.Methods)
		if err != nil {
			return MutationRule{}, err
		}
		patterns := make([]string, 0, len(cfg.Invalidate))
		for _, pattern := range cfg.Invalidate {
			if trimmed := strings.TrimSpace(pattern); trimmed != "" {
				patterns = append(patterns, trimmed)
			}
		}
		if len(patterns) == 0 {
			return MutationRule{}, &config.PolicyError{Source: source, Rule: m.name, Err: errors.New("invalidate requires at least one pattern")}
		}
		for _, pattern := range patterns {
			if strings.HasPrefix(pattern, "*") {
				return MutationRule{}, &config.PolicyError{Source: source, Rule: m.name, Err: fmt.Errorf("pattern %q has no literal prefix", pattern)}
			}
		}
		return MutationRule{matcher: m, Invalidate: patterns}, nil
	}

	for i, cfg := range policy.Update {
		rule, err := mutation(KindUpdate, i, cfg)
		if err != nil {
			return nil, err
		}
		engine.updates = append(engine.updates, &UpdateRule{MutationRule: rule})
	}
	for i, cfg := range policy.Delete {
		rule, err := mutation(KindDelete, i, cfg)
		if err != nil {
			return nil, err
		}
		engine.deletes = append(engine.deletes, &DeleteRule{MutationRule: rule})
	}
	return engine, nil
}

// Source names where the policy was loaded from.
func (e *Engine) Source() string { return e.source }

// Excluded reports whether path contains any excluded substring. Excluded
// paths bypass the cache on both the request and the response side.
func (e *Engine) Excluded(path string) bool {
	for _, entry := range e.exclude {
		if strings.Contains(path, entry) {
			return true
		}
	}
	return false
}

func (e *Engine) MatchRetrieval(method, path string) (*RetrievalRule, bool) {
	for _, rule := range e.retrieval {
		if rule.matches(method, path) {
			return rule, true
		}
	}
	return nil, false
}

func (e *Engine) MatchUpdate(method, path string) (*UpdateRule, bool) {
	for _, rule := range e.updates {
		if rule.matches(method, path) {
			return rule, true
		}
	}
	return nil, false
}

func (e *Engine) MatchDelete(method, path string) (*DeleteRule, bool) {
	for _, rule := range e.deletes {
		if rule.matches(method, path) {
			return rule, true
		}
	}
	return nil, false
}

// MatchMutation checks delete rules for DELETE requests and update rules for
// everything else, returning the rule and its invalidation patterns.
func (e *Engine) MatchMutation(method, path string) (Rule, []string, bool) {
	if strings.EqualFold(method, "DELETE") {
		if rule, ok := e.MatchDelete(method, path); ok {
			return rule, rule.Invalidate, true
		}
	}
	if rule, ok := e.MatchUpdate(method, path); ok {
		return rule, rule.Invalidate, true
	}
	return nil, nil, false
}

// Rules lists every rule in declaration order, retrieval first.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, 0, len(e.retrieval)+len(e.updates)+len(e.deletes))
	for _, rule := range e.retrieval {
		out = append(out, rule)
	}
	for _, rule := range e.updates {
		out = append(out, rule)
	}
	for _, rule := range e.deletes {
		out = append(out, rule)
	}
	return out
}
