package recording

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/earshot/internal/resilience"
)

// Compile-time interface assertion.
var _ Store = (*GuardedStore)(nil)

// GuardedStore routes the writes of a [Store] through a circuit breaker.
// While the breaker is open, writes fail at once with [resilience.ErrOpen],
// so the activity drain of a recording keeps up even when the database is
// gone. [ErrNotFound] is returned to the caller but does not count as a
// failure. Reads and Ping always reach the underlying store; Ping is how
// readiness learns about the outage.
type GuardedStore struct {
	Store
	breaker *resilience.Breaker
}

// NewGuardedStore wraps s. A nil breaker selects one with default settings.
func NewGuardedStore(s Store, breaker *resilience.Breaker) *GuardedStore {
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "recording-store"})
	}
	return &GuardedStore{Store: s, breaker: breaker}
}

// Breaker returns the breaker guarding the writes.
func (g *GuardedStore) Breaker() *resilience.Breaker { return g.breaker }

// CreateSession implements [Store].
func (g *GuardedStore) CreateSession(ctx context.Context, s Session) error {
	return g.do(func() error { return g.Store.CreateSession(ctx, s) })
}

// FinishSession implements [Store].
func (g *GuardedStore) FinishSession(ctx context.Context, id string, endedAt time.Time, stats Stats) error {
	return g.do(func() error { return g.Store.FinishSession(ctx, id, endedAt, stats) })
}

// RecordActivity implements [Store].
func (g *GuardedStore) RecordActivity(ctx context.Context, a Activity) error {
	return g.do(func() error { return g.Store.RecordActivity(ctx, a) })
}

func (g *GuardedStore) do(fn func() error) error {
	var callErr error
	err := g.breaker.Do(func() error {
		callErr = fn()
		if errors.Is(callErr, ErrNotFound) {
			return nil
		}
		return callErr
	})
	if callErr != nil {
		return callErr
	}
	return err
}
