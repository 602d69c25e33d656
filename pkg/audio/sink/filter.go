package sink

import (
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

var (
	_ Sink = (*ConditionalFilter)(nil)
	_ Sink = (*UserFilter)(nil)
	_ Sink = (*TimedFilter)(nil)
)

// Predicate decides whether a unit passes a [ConditionalFilter].
type Predicate func(talker *audio.Talker, data *audio.VoiceData) bool

// ConditionalFilter forwards a unit to its destination only when its
// predicate returns true.
type ConditionalFilter struct {
	Base

	dst Sink

	mu        sync.Mutex
	predicate Predicate
}

// NewConditionalFilter wraps dst with predicate. The filter owns predicate
// until Cleanup, after which every unit is dropped.
func NewConditionalFilter(dst Sink, predicate Predicate) (*ConditionalFilter, error) {
	f := &ConditionalFilter{}
	if err := f.init(f, dst, predicate); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ConditionalFilter) init(self Sink, dst Sink, predicate Predicate) error {
	if isNil(dst) {
		return configErr(self, "destination is nil")
	}
	if predicate == nil {
		return configErr(self, "predicate is nil")
	}
	f.dst = dst
	f.predicate = predicate
	return f.Attach(self, dst)
}

// Destination returns the node the filter forwards to.
func (f *ConditionalFilter) Destination() Sink { return f.dst }

// WantsOpus implements [Sink] by reporting the destination's requirement.
func (f *ConditionalFilter) WantsOpus() bool { return f.dst.WantsOpus() }

// Write implements [Sink].
func (f *ConditionalFilter) Write(talker *audio.Talker, data *audio.VoiceData) {
	f.mu.Lock()
	pred := f.predicate
	f.mu.Unlock()
	if pred != nil && pred(talker, data) {
		f.dst.Write(talker, data)
	}
}

// Cleanup releases the predicate and any state it captured.
func (f *ConditionalFilter) Cleanup() {
	f.mu.Lock()
	f.predicate = nil
	f.mu.Unlock()
}

// UserFilter forwards only the units of a single talker.
type UserFilter struct {
	ConditionalFilter

	target audio.Talker
}

// NewUserFilter wraps dst so that only units spoken by target pass.
func NewUserFilter(dst Sink, target *audio.Talker) (*UserFilter, error) {
	f := &UserFilter{}
	if target == nil {
		return nil, configErr(f, "target talker is nil")
	}
	f.target = *target
	if err := f.init(f, dst, f.match); err != nil {
		return nil, err
	}
	return f, nil
}

// Target returns the talker the filter lets through.
func (f *UserFilter) Target() audio.Talker { return f.target }

func (f *UserFilter) match(talker *audio.Talker, _ *audio.VoiceData) bool {
	return f.target.Equal(talker)
}

// timedMode is the arming state of a [TimedFilter].
type timedMode uint8

const (
	timedArmed   timedMode = iota // waiting for the first write to start the clock
	timedStarted                  // the clock runs; forward while within the window
)

// TimedFilter forwards units for a fixed duration. The window starts either
// at construction ([StartOnInit]) or with the first write, which is always
// forwarded. Once the window has elapsed nothing passes again.
type TimedFilter struct {
	ConditionalFilter

	duration time.Duration
	clock    audio.Clock

	tmu   sync.Mutex
	mode  timedMode
	start time.Time
}

// TimedOption configures a [TimedFilter].
type TimedOption func(*TimedFilter)

// StartOnInit starts the window when the filter is constructed instead of on
// the first write.
func StartOnInit() TimedOption {
	return func(f *TimedFilter) { f.mode = timedStarted }
}

// WithClock replaces the system clock.
func WithClock(c audio.Clock) TimedOption {
	return func(f *TimedFilter) {
		if c != nil {
			f.clock = c
		}
	}
}

// NewTimedFilter wraps dst so that units pass for duration.
func NewTimedFilter(dst Sink, duration time.Duration, opts ...TimedOption) (*TimedFilter, error) {
	f := &TimedFilter{duration: duration, clock: audio.SystemClock{}, mode: timedArmed}
	if duration < 0 {
		return nil, configErr(f, "negative duration %s", duration)
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.mode == timedStarted {
		f.start = f.clock.Now()
	}
	if err := f.init(f, dst, f.within); err != nil {
		return nil, err
	}
	return f, nil
}

// Duration returns the length of the window.
func (f *TimedFilter) Duration() time.Duration { return f.duration }

// Started reports whether the window has begun.
func (f *TimedFilter) Started() bool {
	f.tmu.Lock()
	defer f.tmu.Unlock()
	return f.mode == timedStarted
}

func (f *TimedFilter) within(_ *audio.Talker, _ *audio.VoiceData) bool {
	now := f.clock.Now()
	f.tmu.Lock()
	defer f.tmu.Unlock()
	if f.mode == timedArmed {
		f.mode = timedStarted
		f.start = now
		return true
	}
	return now.Sub(f.start) < f.duration
}
