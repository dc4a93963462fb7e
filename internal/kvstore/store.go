package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks failures caused by the backing store rather than by the
// caller. The request coordinator uses it to apply its fail-open policy.
var ErrUnavailable = errors.New("kvstore: store unavailable")

// Store is the expirable key/value collaborator shared by the rate limiter and
// the response cache. Every shared piece of state lives behind this interface.
type Store interface {
	// Get returns the stored value, or ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// SetWithExpire writes value under key with the given time-to-live.
	SetWithExpire(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Increment atomically adds one to the integer stored under key (missing
	// keys count as zero), refreshes the expiry and returns the new count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	// KeysByPrefix enumerates live keys starting with prefix.
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
