// Package ratelimit provides in-memory request limiting for the relay.
//
// Two policies are offered: a token bucket (Limiter/Store) used by the
// inbound HTTP middleware, and a lifetime cap (Cap) used by the RAG session
// where per-caller counts only ever grow.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	refilled time.Time
	now      func() time.Time
}

// New creates a Limiter admitting ratePerSecond requests per second with
// the given burst. A non-positive burst means ratePerSecond.
func New(ratePerSecond, burst float64) *Limiter {
	return newLimiter(ratePerSecond, burst, time.Now)
}

func newLimiter(rate, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = rate
	}
	return &Limiter{rate: rate, burst: burst, tokens: burst, refilled: now(), now: now}
}

// Allow consumes one token when available.
func (l *Limiter) Allow() bool {
	ok, _ := l.Take()
	return ok
}

// Take consumes one token when available. Otherwise it reports how long
// until the next token accrues.
func (l *Limiter) Take() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens = math.Min(l.burst, l.tokens+now.Sub(l.refilled).Seconds()*l.rate)
	l.refilled = now

	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	wait := (1 - l.tokens) / l.rate
	return false, time.Duration(wait * float64(time.Second))
}

// lastUse returns when the limiter was last consulted.
func (l *Limiter) lastUse() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refilled
}

// Buckets idle longer than idleAfter are dropped, checked at most once per
// sweepEvery during Take.
const (
	idleAfter  = 10 * time.Minute
	sweepEvery = time.Minute
)

// Store keeps one Limiter per key, all sharing rate and burst.
type Store struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	rate      float64
	burst     float64
	now       func() time.Time
	lastSweep time.Time
}

// NewStore creates a Store.
func NewStore(ratePerSecond, burst float64) *Store {
	return newStore(ratePerSecond, burst, time.Now)
}

func newStore(rate, burst float64, now func() time.Time) *Store {
	return &Store{
		limiters:  make(map[string]*Limiter),
		rate:      rate,
		burst:     burst,
		now:       now,
		lastSweep: now(),
	}
}

// Allow consumes a token from key's bucket.
func (s *Store) Allow(key string) bool {
	ok, _ := s.Take(key)
	return ok
}

// Take consumes a token from key's bucket, creating the bucket on first
// use, and reports the wait until the next token when the bucket is empty.
func (s *Store) Take(key string) (bool, time.Duration) {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if now := s.now(); now.Sub(s.lastSweep) >= sweepEvery {
			s.sweepLocked(now.Add(-idleAfter))
			s.lastSweep = now
		}
		if l, ok = s.limiters[key]; !ok {
			l = newLimiter(s.rate, s.burst, s.now)
			s.limiters[key] = l
		}
		s.mu.Unlock()
	}
	return l.Take()
}

// Sweep drops buckets not consulted for idle and returns how many went.
// A dropped bucket comes back full, so idle should exceed burst/rate.
func (s *Store) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now().Add(-idle))
}

func (s *Store) sweepLocked(cutoff time.Time) int {
	n := 0
	for key, l := range s.limiters {
		if l.lastUse().Before(cutoff) {
			delete(s.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}
