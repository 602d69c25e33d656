// Package resilience keeps callers from waiting on a dependency that keeps
// failing.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). The recording store wraps its background
// writes in one so that an unreachable database costs a fast error per write
// instead of a full timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a single probe call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before it lets a probe
	// through. Default: 30s.
	Cooldown time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	// OnStateChange is called after every transition, without the breaker
	// lock held. Optional.
	OnStateChange func(from, to State)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	rejected int64
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		onChange:  cfg.OnStateChange,
	}
}

// Do runs fn if the breaker allows it and records the outcome. It returns
// [ErrOpen] without calling fn while the breaker is open, and while another
// probe is in flight in the half-open state.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case probe:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	}
	if probe {
		b.probing = false
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
	return err
}

// admit decides whether a call may proceed and whether it is the probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
	}
	to := b.state

	switch {
	case b.state == StateOpen, b.state == StateHalfOpen && b.probing:
		b.rejected++
		err = ErrOpen
	case b.state == StateHalfOpen:
		b.probing = true
		probe = true
	}
	b.mu.Unlock()

	b.changed(from, to)
	return probe, err
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
}

func (b *Breaker) changed(from, to State) {
	if from == to {
		return
	}
	if to == StateOpen {
		slog.Warn("circuit breaker opened", "name", b.name, "from", from)
	} else {
		slog.Info("circuit breaker state changed", "name", b.name, "from", from, "to", to)
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current [State]. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Rejected returns how many calls were refused since the breaker was
// created.
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Reset forces the breaker back to [StateClosed] and clears the failure
// count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.changed(from, StateClosed)
}
