// v0
// internal/livestore/guarded.go
package livestore

import (
	"context"
	"time"

	"hygienewatch/realtime/internal/circuitbreaker"
)

// Guarded decorates a Store with per-call timeouts and a circuit breaker.
// Watches pass straight through; the breaker only covers request/response
// calls.
type Guarded struct {
	inner        Store
	breaker      *circuitbreaker.Breaker
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewGuarded wraps inner. A nil breaker disables fast-fail; non-positive
// timeouts leave the caller's deadline untouched.
func NewGuarded(inner Store, breaker *circuitbreaker.Breaker, readTimeout, writeTimeout time.Duration) *Guarded {
	return &Guarded{inner: inner, breaker: breaker, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (g *Guarded) Get(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := g.run(ctx, g.readTimeout, func(ctx context.Context) error {
		v, err := g.inner.Get(ctx, path)
		out = v
		return err
	})
	return out, err
}

func (g *Guarded) Set(ctx context.Context, path string, value []byte) error {
	return g.run(ctx, g.writeTimeout, func(ctx context.Context) error {
		return g.inner.Set(ctx, path, value)
	})
}

func (g *Guarded) Delete(ctx context.Context, path string) error {
	return g.run(ctx, g.writeTimeout, func(ctx context.Context) error {
		return g.inner.Delete(ctx, path)
	})
}

func (g *Guarded) Watch(ctx context.Context, path string, buffer int) (*Watch, error) {
	return g.inner.Watch(ctx, path, buffer)
}

// run bounds op by timeout inside the breaker, so a slow store counts as a
// failure while the caller's own cancellation does not.
func (g *Guarded) run(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return op(ctx)
	})
}
