package ratelimit

import "context"

// Limiter is the injected capability gating expensive per-user operations.
// Allow reports whether the caller identified by key may proceed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
