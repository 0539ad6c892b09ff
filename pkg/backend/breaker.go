package backend

import (
	"errors"
	"sync"
	"time"
)

// Breaker states
const (
	StateClosed   State = iota // store calls pass through
	StateOpen                  // store calls fail immediately
	StateHalfOpen              // probing whether the store recovered
)

// State represents the current state of a Breaker
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyProbes is returned when the half-open probe budget is used up
	ErrTooManyProbes = errors.New("too many probes while half-open")
)

// Breaker trips after a run of store failures so callers stop paying the
// store timeout on every request.
type Breaker struct {
	mu sync.Mutex

	maxProbes        uint32
	interval         time.Duration
	openTimeout      time.Duration
	failureThreshold float64
	minRequests      uint32
	successThreshold uint32
	now              func() time.Time

	state          State
	generation     uint64
	stateChangedAt time.Time
	counts         Counts
	probes         uint32

	onStateChange func(from, to State)
}

// Counts holds the statistics for the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithMaxProbes sets how many calls may run while half-open
func WithMaxProbes(n uint32) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.maxProbes = n
		}
	}
}

// WithInterval sets the window after which closed-state counts reset
func WithInterval(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.interval = d
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.openTimeout = d
	}
}

// WithFailureThreshold sets the failure ratio (0, 1] that opens the breaker
func WithFailureThreshold(threshold float64) BreakerOption {
	return func(b *Breaker) {
		if threshold > 0 && threshold <= 1.0 {
			b.failureThreshold = threshold
		}
	}
}

// WithMinRequests sets the number of calls observed before the ratio counts
func WithMinRequests(n uint32) BreakerOption {
	return func(b *Breaker) {
		b.minRequests = n
	}
}

// WithSuccessThreshold sets the consecutive probe successes needed to close
func WithSuccessThreshold(n uint32) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithOnStateChange sets a callback for state changes. It runs with the
// breaker lock held and must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithBreakerClock overrides time.Now
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a breaker that opens once at least 10 calls in a
// 30s interval failed at a 50% rate, and probes again after 5s.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		maxProbes:        1,
		interval:         30 * time.Second,
		openTimeout:      5 * time.Second,
		failureThreshold: 0.5,
		minRequests:      10,
		successThreshold: 1,
		now:              time.Now,
		state:            StateClosed,
	}

	for _, opt := range opts {
		opt(b)
	}
	b.stateChangedAt = b.now()

	return b
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}

	if state == StateHalfOpen {
		if b.probes >= b.maxProbes {
			return generation, ErrTooManyProbes
		}
		b.probes++
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if err != nil {
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0

		switch state {
		case StateHalfOpen:
			b.setState(StateOpen, now)
		case StateClosed:
			if b.shouldOpen() {
				b.setState(StateOpen, now)
			}
		}
		return
	}

	b.counts.TotalSuccesses++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.successThreshold {
		b.setState(StateClosed, now)
	}
}

// cancelRequest forgets a call that the caller abandoned.
func (b *Breaker) cancelRequest(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}
	if b.counts.Requests > 0 {
		b.counts.Requests--
	}
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if b.interval > 0 && now.Sub(b.stateChangedAt) > b.interval {
			b.stateChangedAt = now
			b.counts = Counts{}
		}
	case StateOpen:
		if now.Sub(b.stateChangedAt) >= b.openTimeout {
			b.setState(StateHalfOpen, now)
		}
	}

	return b.state, b.generation
}

func (b *Breaker) shouldOpen() bool {
	if b.counts.Requests < b.minRequests {
		return false
	}

	failureRate := float64(b.counts.TotalFailures) / float64(b.counts.Requests)
	return failureRate >= b.failureThreshold
}

func (b *Breaker) setState(newState State, now time.Time) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.stateChangedAt = now
	b.generation++
	b.counts = Counts{}
	b.probes = 0

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}
}

// State returns the current state, advancing open to half-open when the
// open timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(b.now())
	return state
}

// Counts returns the counts of the current generation
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed, b.now())
}
