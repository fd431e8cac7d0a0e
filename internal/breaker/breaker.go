// Package breaker implements the per-connection circuit breaker that stops
// issuing calls to a persistently failing server until a cool-down elapses.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position in its state machine.
type State int

const (
	// Closed allows all requests through.
	Closed State = iota

	// Open rejects requests until the reset timeout elapses.
	Open

	// HalfOpen allows probe requests through after the cool-down.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker counts consecutive failures on one connection and short-circuits
// calls once the threshold is reached. One instance per connection; never
// shared across servers.
type Breaker struct {
	log          *slog.Logger
	threshold    int
	resetTimeout time.Duration

	// now is replaceable for tests.
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New creates a closed breaker. Zero threshold or resetTimeout fall back to
// 5 failures and 60 seconds.
func New(log *slog.Logger, threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}

	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}

	return &Breaker{
		log:          log.With("component", "breaker"),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// CanExecute reports whether a request may proceed. When the breaker is open
// and the reset timeout has elapsed, it transitions to half-open and allows
// the probe through.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true

	case Open:
		if b.now().Sub(b.lastFailure) > b.resetTimeout {
			b.state = HalfOpen
			b.log.Info("Circuit breaker half-open, allowing probe request")

			return true
		}

		return false

	default:
		return false
	}
}

// RecordSuccess closes a half-open breaker and resets the failure count.
// In any other state it is a no-op.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != HalfOpen {
		return
	}

	b.failures = 0
	b.state = Closed
	b.log.Info("Circuit breaker closed after successful probe")
}

// RecordFailure increments the failure count and stamps the failure time.
// Reaching the threshold trips the breaker open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.failures >= b.threshold && b.state != Open {
		b.state = Open
		b.log.Warn("Circuit breaker opened", "failures", b.failures)
	}
}

// Reset returns the breaker to closed with a zero failure count. Each
// freshly established connection starts with a clean breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = Closed
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}
