// limiter.go - Per-owner request limiting for the HTTP surface
package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ownerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// OwnerLimiter keeps one token bucket per owner. It bounds how fast a caller
// may hit the API; the pool's own operation spacing is enforced by the
// engine.
type OwnerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ownerEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// NewOwnerLimiter allows perSecond requests per owner with the given burst.
func NewOwnerLimiter(perSecond float64, burst int) *OwnerLimiter {
	return &OwnerLimiter{
		limiters: make(map[string]*ownerEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *OwnerLimiter) entry(owner string) *ownerEntry {
	e, ok := l.limiters[owner]
	if !ok {
		e = &ownerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[owner] = e
	}
	return e
}

// Allow reports whether owner may make a request now, consuming a token if so.
func (l *OwnerLimiter) Allow(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e := l.entry(owner)
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tokens returns the tokens currently available to owner.
func (l *OwnerLimiter) Tokens(owner string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[owner]
	if !ok {
		return float64(l.burst)
	}
	return e.limiter.TokensAt(l.now())
}

// Prune forgets owners idle for longer than idle and returns how many were
// removed.
func (l *OwnerLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for owner, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, owner)
			n++
		}
	}
	return n
}
