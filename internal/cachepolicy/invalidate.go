package cachepolicy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/earthapp/mantle/internal/kvstore"
	"github.com/gobwas/glob"
)

// ErrUnboundedPattern rejects patterns whose literal prefix is empty; they
// would scan the whole keyspace.
var ErrUnboundedPattern = errors.New("cachepolicy: invalidation pattern has no literal prefix")

// Invalidate deletes the keys covered by a resolved pattern and returns them.
// A pattern without "*" names one key. Otherwise keys sharing the literal
// prefix are enumerated and filtered through the full glob.
func Invalidate(ctx context.Context, store kvstore.Store, pattern string) ([]string, error) {
	if !strings.Contains(pattern, "*") {
		if err := store.Delete(ctx, pattern); err != nil {
			return nil, err
		}
		return []string{pattern}, nil
	}
	prefix := literalPrefix(pattern)
	if prefix == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnboundedPattern, pattern)
	}
	matcher, err := compileGlob(pattern)
	if err != nil {
		return nil, err
	}
	candidates, err := store.KeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	matched := candidates[:0]
	for _, key := range candidates {
		if matcher.Match(key) {
			matched = append(matched, key)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	if err := store.Delete(ctx, matched...); err != nil {
		return nil, err
	}
	return matched, nil
}

// compileGlob treats "*" as the only wildcard; everything else is literal and
// "*" crosses ":" boundaries.
func compileGlob(pattern string) (glob.Glob, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	g, err := glob.Compile(strings.Join(parts, "*"))
	if err != nil {
		return nil, fmt.Errorf("cachepolicy: compile pattern %q: %w", pattern, err)
	}
	return g, nil
}
