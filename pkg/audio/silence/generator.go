// Package silence detects gaps in per-talker voice streams and fills them
// with synthetic silence.
//
// Discord clients stop transmitting while their user is quiet, so the end of
// a transmission is never marked in the received stream. A [Generator]
// watches the packet cadence of every SSRC it is told about and, when a stream
// has been quiet for longer than a threshold, emits exactly one 20 ms filler
// unit for it on its own goroutine, marking the onset of the gap. The rest of
// the pause is not filled, so pauses still shrink to one frame in a recording
// built from the received units. Emission never happens inline with
// [Generator.Push].
package silence

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

const (
	// DefaultThreshold is how long a stream must be quiet before a filler
	// unit is emitted.
	DefaultThreshold = 60 * time.Millisecond

	// DefaultInterval is the period of the gap scan.
	DefaultInterval = audio.FrameDuration * time.Millisecond
)

// WriteFunc receives filler units.
type WriteFunc func(talker *audio.Talker, data *audio.VoiceData)

// Option configures a [Generator].
type Option func(*Generator)

// WithThreshold sets the quiet time after which a gap is reported.
// Non-positive values are ignored.
func WithThreshold(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.threshold = d
		}
	}
}

// WithInterval sets the scan period. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithClock replaces the system clock used for last-seen bookkeeping.
func WithClock(c audio.Clock) Option {
	return func(g *Generator) {
		if c != nil {
			g.clock = c
		}
	}
}

// state is the tracking state of one SSRC.
type state uint8

const (
	stateActive state = iota // packets are arriving
	stateIdle                // a filler was emitted for the current gap
)

type entry struct {
	talker   *audio.Talker
	last     *audio.Packet
	lastSeen time.Time
	state    state
}

// Generator emits at most one filler unit per detected gap onset of every
// tracked SSRC.
//
// All methods are safe for concurrent use.
type Generator struct {
	write     WriteFunc
	threshold time.Duration
	interval  time.Duration
	clock     audio.Clock

	mu      sync.Mutex
	entries map[uint32]*entry

	// emit is held from the tracked check to the end of a write; Drop takes
	// it before mu.
	emit sync.Mutex

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// New creates a stopped Generator that hands filler units to write.
func New(write WriteFunc, opts ...Option) (*Generator, error) {
	if write == nil {
		return nil, errors.New("silence: write function is nil")
	}
	g := &Generator{
		write:     write,
		threshold: DefaultThreshold,
		interval:  DefaultInterval,
		clock:     audio.SystemClock{},
		entries:   make(map[uint32]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Threshold returns the configured gap threshold.
func (g *Generator) Threshold() time.Duration { return g.threshold }

// Interval returns the configured scan period.
func (g *Generator) Interval() time.Duration { return g.interval }

// Start launches the scan goroutine. Calling Start on a running generator
// does nothing.
func (g *Generator) Start() {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go g.run(g.stop, g.done)
}

// Running reports whether the scan goroutine is active.
func (g *Generator) Running() bool {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	return g.stop != nil
}

// Stop halts the scan goroutine, waits for it to exit and forgets every
// tracked SSRC. No filler is emitted after Stop returns. Calling Stop on a
// stopped generator does nothing.
//
// Stop must not be called from the write function.
func (g *Generator) Stop() {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if g.stop == nil {
		return
	}
	close(g.stop)
	<-g.done
	g.stop, g.done = nil, nil

	g.mu.Lock()
	clear(g.entries)
	g.mu.Unlock()
}

// Push records that pkt was received from talker. It only updates the
// tracking table and never blocks on emission.
func (g *Generator) Push(talker *audio.Talker, pkt *audio.Packet) {
	if pkt == nil {
		return
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[pkt.SSRC]
	if !ok {
		e = &entry{}
		g.entries[pkt.SSRC] = e
	}
	if talker != nil {
		e.talker = talker
	}
	e.last = pkt
	e.lastSeen = now
	e.state = stateActive
}

// Drop stops tracking ssrc and every SSRC attributed to talker. A zero ssrc
// or a nil talker is ignored. When a filler is being written, Drop waits for
// the write to finish; no filler for a dropped SSRC is written after Drop
// returns.
//
// Drop must not be called from the write function.
func (g *Generator) Drop(ssrc uint32, talker *audio.Talker) {
	g.emit.Lock()
	defer g.emit.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if ssrc != 0 {
		delete(g.entries, ssrc)
	}
	if talker == nil {
		return
	}
	for k, e := range g.entries {
		if e.talker != nil && e.talker.Equal(talker) {
			delete(g.entries, k)
		}
	}
}

// Tracked returns the number of tracked SSRCs.
func (g *Generator) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Active returns the number of tracked SSRCs that are currently transmitting.
func (g *Generator) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.entries {
		if e.state == stateActive {
			n++
		}
	}
	return n
}

func (g *Generator) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.scan(g.clock.Now(), stop)
		}
	}
}

type filler struct {
	ssrc   uint32
	entry  *entry
	talker *audio.Talker
	data   *audio.VoiceData
}

// scan moves every active entry that has been quiet for at least the
// threshold to idle and emits one filler for it.
func (g *Generator) scan(now time.Time, stop <-chan struct{}) {
	var out []filler
	g.mu.Lock()
	for ssrc, e := range g.entries {
		if e.state != stateActive || now.Sub(e.lastSeen) < g.threshold {
			continue
		}
		e.state = stateIdle
		out = append(out, filler{ssrc: ssrc, entry: e, talker: e.talker, data: audio.NewSilence(ssrc, e.last)})
	}
	g.mu.Unlock()

	for _, f := range out {
		select {
		case <-stop:
			return
		default:
		}
		g.emitFiller(f)
	}
}

func (g *Generator) emitFiller(f filler) {
	g.emit.Lock()
	defer g.emit.Unlock()
	if !g.stillTracked(f.ssrc, f.entry) {
		return
	}
	g.write(f.talker, f.data)
}

// stillTracked reports whether e is still the entry of ssrc, i.e. it was not
// dropped between the scan and the emission.
func (g *Generator) stillTracked(ssrc uint32, e *entry) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries[ssrc] == e
}
