package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probe requests")
)

// State is a breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker. Zero fields take defaults.
type Settings struct {
	// Probes is the number of calls let through while half-open; that many
	// consecutive successes close the breaker again.
	Probes uint32
	// Window clears the closed-state counts periodically.
	Window time.Duration
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration
	// Trip decides, after a failure, whether to open.
	Trip func(Counts) bool
	// Ignore classifies errors that say nothing about the protected
	// dependency, such as a caller giving up. They count as neither outcome.
	Ignore func(error) bool
	// OnStateChange observes transitions. It runs under the breaker lock
	// and must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Counts are the statistics of the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards a slow or flaky dependency: after repeated failures it
// rejects calls outright for a cooldown, then probes with a few calls.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	state      State
	counts     Counts
	generation uint64
	expiry     time.Time
}

// New creates a breaker.
func New(name string, settings Settings) *Breaker {
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	if settings.Window == 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.Trip == nil {
		settings.Trip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if settings.Ignore == nil {
		settings.Ignore = func(error) bool { return false }
	}

	b := &Breaker{name: name, settings: settings, now: time.Now}
	b.expiry = b.now().Add(settings.Window)
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.advance(b.now())
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Do runs fn if the breaker admits it. A panic in fn counts as a failure and
// is re-raised.
func (b *Breaker) Do(fn func() error) (err error) {
	generation, err := b.admit()
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	defer func() {
		if p := recover(); p != nil {
			b.settle(generation, errPanic)
			panic(p)
		}
	}()

	err = fn()
	b.settle(generation, err)
	return err
}

// Execute runs fn through b and passes its result along.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var result T
	err := b.Do(func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

var errPanic = errors.New("panic")

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.advance(b.now()) {
	case StateOpen:
		return b.generation, ErrCircuitOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.settings.Probes {
			return b.generation, ErrTooManyRequests
		}
	}

	b.counts.Requests++
	return b.generation, nil
}

func (b *Breaker) settle(generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.advance(now)
	if generation != b.generation {
		// the outcome belongs to a generation that has already been decided
		return
	}

	switch {
	case err != nil && b.settings.Ignore(err):
		if state == StateHalfOpen && b.counts.Requests > 0 {
			b.counts.Requests--
		}
	case err == nil:
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.Probes {
			b.transition(StateClosed, now)
		}
	default:
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if state == StateHalfOpen || b.settings.Trip(b.counts) {
			b.transition(StateOpen, now)
		}
	}
}

// advance applies time-based transitions and returns the resulting state.
func (b *Breaker) advance(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.counts = Counts{}
			b.generation++
			b.expiry = now.Add(b.settings.Window)
		}
	case StateOpen:
		if now.After(b.expiry) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}

	from := b.state
	b.state = to
	b.counts = Counts{}
	b.generation++

	switch to {
	case StateClosed:
		b.expiry = now.Add(b.settings.Window)
	case StateOpen:
		b.expiry = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
