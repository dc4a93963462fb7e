package kvstore

import (
	"context"
	"fmt"
	"time"
)

// ErrorObserver is notified with the operation name whenever the wrapped store fails.
type ErrorObserver func(operation string)

// Guarded bounds every call to the wrapped store with a timeout and tags
// failures with ErrUnavailable so callers can apply a uniform failure policy.
type Guarded struct {
	inner   Store
	timeout time.Duration
	observe ErrorObserver
}

// NewGuarded wraps inner. A non-positive timeout disables the bound.
func NewGuarded(inner Store, timeout time.Duration, observe ErrorObserver) *Guarded {
	return &Guarded{inner: inner, timeout: timeout, observe: observe}
}

func (g *Guarded) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guarded) fail(op string, err error) error {
	if g.observe != nil {
		g.observe(op)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (g *Guarded) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	value, ok, err := g.inner.Get(ctx, key)
	if err != nil {
		return nil, false, g.fail("get", err)
	}
	return value, ok, nil
}

func (g *Guarded) SetWithExpire(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.inner.SetWithExpire(ctx, key, value, ttl); err != nil {
		return g.fail("set", err)
	}
	return nil
}

func (g *Guarded) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	count, err := g.inner.Increment(ctx, key, ttl)
	if err != nil {
		return 0, g.fail("increment", err)
	}
	return count, nil
}

func (g *Guarded) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.inner.Delete(ctx, keys...); err != nil {
		return g.fail("delete", err)
	}
	return nil
}

func (g *Guarded) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	keys, err := g.inner.KeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, g.fail("scan", err)
	}
	return keys, nil
}

func (g *Guarded) Ping(ctx context.Context) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.inner.Ping(ctx); err != nil {
		return g.fail("ping", err)
	}
	return nil
}

func (g *Guarded) Close(ctx context.Context) error {
	return g.inner.Close(ctx)
}
