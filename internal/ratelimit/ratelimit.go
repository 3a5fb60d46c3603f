// Package ratelimit spaces REST calls per exchange. Every venue gets a
// token bucket (one token per configured min interval) plus a semaphore
// capping in-flight requests. Limiters are never shared across venues.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates calls to one exchange.
type Limiter struct {
	bucket *rate.Limiter
	sem    chan struct{}
}

// New returns a Limiter emitting one permit per minInterval with at
// most maxConcurrent calls in flight.
func New(minInterval time.Duration, maxConcurrent int) *Limiter {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Every(minInterval), 1),
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a concurrency slot and a bucket token are both
// held, or ctx is done. The returned release func frees the slot and
// must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := l.bucket.Wait(ctx); err != nil {
		<-l.sem
		return nil, err
	}
	return func() { <-l.sem }, nil
}

// InFlight returns the number of held concurrency slots.
func (l *Limiter) InFlight() int { return len(l.sem) }

// Registry hands out per-exchange limiters. Unconfigured names fall
// back to a conservative default of 1 req/s with 1 call in flight.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Set installs the limiter for an exchange at startup.
func (r *Registry) Set(name string, l *Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[name] = l
}

// Get returns the limiter for an exchange, creating the default
// (1 req/s, 1 in flight) on first use of an unconfigured name.
func (r *Registry) Get(name string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	l = New(time.Second, 1)
	r.limiters[name] = l
	return l
}
