// Package ratelimit bounds how fast a single client may send inbound
// frames, replacing the host module's hand-rolled token bucket
// (internal/single/limits/rate_limiter.go) with golang.org/x/time/rate —
// already a dependency of the teacher's go.mod but, notably, never
// actually imported by its own rate limiter, which reimplemented the same
// token-bucket algorithm by hand instead of using it.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// PerClient tracks one token-bucket limiter per client id, lazily created
// on first use and removed on Forget.
type PerClient struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// New returns a PerClient limiter allowing burst immediate events and a
// sustained rate of ratePerSec events/second thereafter, per client id.
func New(ratePerSec float64, burst int) *PerClient {
	return &PerClient{
		limit:   rate.Limit(ratePerSec),
		burst:   burst,
		buckets: map[string]*rate.Limiter{},
	}
}

// Allow reports whether clientID may send one more frame right now,
// creating that client's bucket on first use.
func (p *PerClient) Allow(clientID string) bool {
	p.mu.Lock()
	l, ok := p.buckets[clientID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.buckets[clientID] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// Forget drops clientID's bucket, called on disconnect so the map doesn't
// grow unboundedly across client churn.
func (p *PerClient) Forget(clientID string) {
	p.mu.Lock()
	delete(p.buckets, clientID)
	p.mu.Unlock()
}
