package sink

import (
	"log/slog"

	"github.com/MrWong99/earshot/pkg/audio"
)

var (
	_ Sink = (*MultiSink)(nil)
	_ Sink = (*TeeSink)(nil)
)

// MultiSink groups an ordered, non-empty set of children. It only provides
// structure: the children are reachable by [Walk] and receive dispatched
// events, but MultiSink.Write forwards nothing. Composites that broadcast
// data embed it, like [TeeSink].
type MultiSink struct {
	Base
}

// NewMulti creates a MultiSink over dsts.
func NewMulti(dsts ...Sink) (*MultiSink, error) {
	m := &MultiSink{}
	if err := m.init(m, dsts); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MultiSink) init(self Sink, dsts []Sink) error {
	if len(dsts) == 0 {
		return configErr(self, "at least one destination is required")
	}
	return m.Attach(self, dsts...)
}

// WantsOpus implements [Sink] by reporting the first child's requirement.
func (m *MultiSink) WantsOpus() bool {
	children := m.Children()
	if len(children) == 0 {
		return false
	}
	return children[0].WantsOpus()
}

// Write implements [Sink]. It does nothing.
func (m *MultiSink) Write(*audio.Talker, *audio.VoiceData) {}

// Cleanup implements [Sink].
func (m *MultiSink) Cleanup() {}

// TeeSink broadcasts every unit to all of its children in order. Each child
// receives its own copy of the unit, so a child mutating PCM in place is
// never observed by its siblings. A panicking branch is logged and the
// remaining children still receive the unit.
type TeeSink struct {
	MultiSink
}

// NewTee creates a TeeSink over dsts. All children must agree on whether
// they want Opus or PCM.
func NewTee(dsts ...Sink) (*TeeSink, error) {
	t := &TeeSink{}
	for i, d := range dsts {
		if isNil(d) {
			return nil, configErr(t, "destination %d is nil", i)
		}
		if d.WantsOpus() != dsts[0].WantsOpus() {
			return nil, configErr(t, "destinations disagree on format: %s wants opus=%t, %s wants opus=%t",
				typeName(dsts[0]), dsts[0].WantsOpus(), typeName(d), d.WantsOpus())
		}
	}
	if err := t.init(t, dsts); err != nil {
		return nil, err
	}
	return t, nil
}

// Write implements [Sink].
func (t *TeeSink) Write(talker *audio.Talker, data *audio.VoiceData) {
	children := t.Children()
	for i, c := range children {
		unit := data
		if i < len(children)-1 {
			unit = data.Clone()
		}
		writeIsolated(c, talker, unit)
	}
}

func writeIsolated(s Sink, talker *audio.Talker, data *audio.VoiceData) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sink: branch write panicked", "sink", typeName(s), "ssrc", data.SSRC(), "panic", r)
		}
	}()
	s.Write(talker, data)
}
