// Package circuitbreaker tracks backend health so that a backend failing
// repeatedly is skipped until it had time to recover.
//
// State transitions per backend:
//
//	Closed   → Open      when consecutive failures ≥ FailureThreshold
//	Open     → HalfOpen  after OpenTimeout elapses
//	HalfOpen → Closed    when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open      on any failure
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents a breaker's current state.
type State int

const (
	// StateClosed: calls pass through.
	StateClosed State = iota
	// StateOpen: the backend is considered failing and calls are rejected.
	StateOpen
	// StateHalfOpen: calls pass through to probe recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings configures every breaker in a Set.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Breaker guards a single backend.
type Breaker struct {
	mu        sync.Mutex
	settings  Settings
	state     State
	failures  int
	successes int
	openUntil time.Time
}

func newBreaker(s Settings) *Breaker {
	return &Breaker{settings: s}
}

// State returns the current state, moving Open to HalfOpen once the open
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve()
}

// resolve must be called with mu held.
func (b *Breaker) resolve() State {
	if b.state == StateOpen && !b.settings.Now().Before(b.openUntil) {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve() != StateOpen
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolve() {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolve() {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openUntil = b.settings.Now().Add(b.settings.OpenTimeout)
	b.successes = 0
}

// Set holds one breaker per backend, created on first use. A nil *Set
// allows every call and records nothing.
type Set struct {
	settings Settings
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet returns a Set, or nil when settings.FailureThreshold is not
// positive. Zero SuccessThreshold means 1 and zero OpenTimeout means 30s.
func NewSet(settings Settings) *Set {
	if settings.FailureThreshold <= 0 {
		return nil
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Set{settings: settings, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for backend, or nil on a nil Set.
func (s *Set) Get(backend string) *Breaker {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[backend]
	if !ok {
		b = newBreaker(s.settings)
		s.breakers[backend] = b
	}
	return b
}

// Allow reports whether a call to backend may proceed.
func (s *Set) Allow(backend string) bool {
	if s == nil {
		return true
	}
	return s.Get(backend).Allow()
}

// Record feeds the outcome of a call to backend into its breaker.
func (s *Set) Record(backend string, ok bool) {
	if s == nil {
		return
	}
	b := s.Get(backend)
	if ok {
		b.Success()
	} else {
		b.Failure()
	}
}

// State returns backend's state. Backends never called are closed.
func (s *Set) State(backend string) State {
	if s == nil {
		return StateClosed
	}
	return s.Get(backend).State()
}
