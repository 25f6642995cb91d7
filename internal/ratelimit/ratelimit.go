// Package ratelimit provides per-device token-bucket rate limiting built on
// golang.org/x/time/rate.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per device.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	perSec   float64
}

// New creates a Limiter where each device may burst up to capacity and
// refills at perSec tokens/second.
func New(perSec float64, capacity int) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		perSec:   perSec,
	}
}

// TryAcquire attempts to consume one token for clientId without blocking.
// An empty clientId always fails.
func (l *Limiter) TryAcquire(clientID string) bool {
	if clientID == "" {
		return false
	}
	return l.bucketFor(clientID).Allow()
}

func (l *Limiter) bucketFor(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.perSec), l.capacity)
		l.buckets[clientID] = b
	}
	return b
}

// Reset removes any bucket state held for clientId.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientID)
}
