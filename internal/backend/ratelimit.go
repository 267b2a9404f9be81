package backend

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Backend and throttles Spawn throughput with a token
// bucket, applied directly against the resource it protects: image pulls
// and container/pod creation.
type RateLimited struct {
	backend Backend
	limiter *rate.Limiter
}

// NewRateLimited wraps backend with a limiter allowing burst spawns up to
// burst and steady-state throughput of ratePerSecond spawns/sec.
func NewRateLimited(b Backend, ratePerSecond float64, burst int) *RateLimited {
	return &RateLimited{backend: b, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Spawn blocks until the limiter admits the call or ctx is cancelled, then
// delegates to the wrapped backend.
func (r *RateLimited) Spawn(ctx context.Context, spec JobSpec) (Handle, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &UnavailableError{Err: err}
	}
	return r.backend.Spawn(ctx, spec)
}
