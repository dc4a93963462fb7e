// Package cachepolicy matches requests against declarative cache rules and
// computes the store keys they read, write and invalidate.
package cachepolicy

import (
	"regexp"
	"strings"
	"time"

	"github.com/earthapp/mantle/internal/expr"
)

// Kind tags the three rule variants.
type Kind int

const (
	KindRetrieval Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRetrieval:
		return "retrieval"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Rule is implemented by RetrievalRule, UpdateRule and DeleteRule only.
type Rule interface {
	Kind() Kind
	Name() string
	Pattern() *regexp.Regexp
	// Admits evaluates the rule's when guard. Rules without a guard admit every request.
	Admits(activation map[string]any) (bool, error)
	matches(method, path string) bool
}

type matcher struct {
	name    string
	methods map[string]struct{}
	pattern *regexp.Regexp
	when    expr.Program
}

func (m matcher) Name() string            { return m.name }
func (m matcher) Pattern() *regexp.Regexp { return m.pattern }

func (m matcher) matches(method, path string) bool {
	if _, ok := m.methods[strings.ToUpper(method)]; !ok {
		return false
	}
	return m.pattern.MatchString(path)
}

func (m matcher) Admits(activation map[string]any) (bool, error) {
	if !m.when.Defined() {
		return true, nil
	}
	return m.when.EvalBool(activation)
}

// RetrievalRule caches successful GET responses under a templated key.
type RetrievalRule struct {
	matcher
	Key string
	TTL time.Duration
}

func (RetrievalRule) Kind() Kind { return KindRetrieval }

// MutationRule lists the key patterns a successful write invalidates.
type MutationRule struct {
	matcher
	Invalidate []string
}

// UpdateRule fires on successful create and modify requests.
type UpdateRule struct{ MutationRule }

func (UpdateRule) Kind() Kind { return KindUpdate }

// DeleteRule fires on successful delete requests.
type DeleteRule struct{ MutationRule }

func (DeleteRule) Kind() Kind { return KindDelete }

var (
	defaultRetrievalMethods = []string{"GET"}
	defaultUpdateMethods    = []string{"POST", "PUT", "PATCH"}
	defaultDeleteMethods    = []string{"DELETE"}
)

func methodSet(methods, fallback []string) map[string]struct{} {
	if len(methods) == 0 {
		methods = fallback
	}
	set := make(map[string]struct{}, len(methods))
	for _, method := range methods {
		set[strings.ToUpper(strings.TrimSpace(method))] = struct{}{}
	}
	return set
}
