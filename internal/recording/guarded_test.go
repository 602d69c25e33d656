package recording_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/recording"
	"github.com/MrWong99/earshot/internal/resilience"
)

// failingStore fails every write with errDown.
type failingStore struct {
	*recording.MemStore
	writes int
}

var errDown = errors.New("database down")

func (f *failingStore) RecordActivity(context.Context, recording.Activity) error {
	f.writes++
	return errDown
}

func TestGuardedStore(t *testing.T) {
	t.Parallel()

	storeContract(t, func(t *testing.T) recording.Store {
		return recording.NewGuardedStore(recording.NewMemStore(), nil)
	})
}

func TestGuardedStore_OpensOnFailures(t *testing.T) {
	t.Parallel()

	inner := &failingStore{MemStore: recording.NewMemStore()}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Threshold: 2,
		Cooldown:  time.Hour,
	})
	g := recording.NewGuardedStore(inner, breaker)
	ctx := context.Background()
	a := recording.Activity{SessionID: "s1", Kind: recording.ActivityConnect, At: t0}

	for range 2 {
		if err := g.RecordActivity(ctx, a); !errors.Is(err, errDown) {
			t.Fatalf("RecordActivity err = %v, want errDown", err)
		}
	}
	if err := g.RecordActivity(ctx, a); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("RecordActivity err = %v, want ErrOpen", err)
	}
	if inner.writes != 2 {
		t.Errorf("inner writes = %d, want 2", inner.writes)
	}
	if g.Breaker().State() != resilience.StateOpen {
		t.Errorf("state = %v, want open", g.Breaker().State())
	}

	// Reads bypass the breaker.
	if err := g.CreateSession(ctx, session("s2", t0)); !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("CreateSession err = %v, want ErrOpen", err)
	}
	if _, err := g.ListSessions(ctx, 0); err != nil {
		t.Errorf("ListSessions err = %v, want nil", err)
	}
	if err := g.Ping(ctx); err != nil {
		t.Errorf("Ping err = %v, want nil", err)
	}
}

func TestGuardedStore_NotFoundDoesNotTrip(t *testing.T) {
	t.Parallel()

	breaker := resilience.NewBreaker(resilience.BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	g := recording.NewGuardedStore(recording.NewMemStore(), breaker)

	for range 3 {
		err := g.FinishSession(context.Background(), "missing", t0, recording.Stats{})
		if !errors.Is(err, recording.ErrNotFound) {
			t.Fatalf("FinishSession err = %v, want ErrNotFound", err)
		}
	}
	if got := breaker.State(); got != resilience.StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}
