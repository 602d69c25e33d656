package sink

import (
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/silence"
)

var _ Sink = (*SilenceSink)(nil)

// SilenceSink forwards every unit to its destination and, when a talker goes
// quiet, writes one 20 ms silent frame for them marking the start of the gap.
type SilenceSink struct {
	Base

	dst Sink
	gen *silence.Generator
}

// NewSilence wraps dst and starts a [silence.Generator] writing filler units
// to it. Cleanup stops the generator.
func NewSilence(dst Sink, opts ...silence.Option) (*SilenceSink, error) {
	s := &SilenceSink{dst: dst}
	if isNil(dst) {
		return nil, configErr(s, "destination is nil")
	}
	gen, err := silence.New(dst.Write, opts...)
	if err != nil {
		return nil, configErr(s, "%v", err)
	}
	if err := s.Attach(s, dst); err != nil {
		return nil, err
	}
	s.gen = gen
	gen.Start()
	return s, nil
}

// Generator returns the silence generator owned by the sink.
func (s *SilenceSink) Generator() *silence.Generator { return s.gen }

// WantsOpus implements [Sink] by reporting the destination's requirement.
func (s *SilenceSink) WantsOpus() bool { return s.dst.WantsOpus() }

// Write implements [Sink].
func (s *SilenceSink) Write(talker *audio.Talker, data *audio.VoiceData) {
	if data != nil {
		s.gen.Push(talker, data.Packet)
	}
	s.dst.Write(talker, data)
}

// OnMemberDisconnect is the listener for [EventMemberDisconnect].
func (s *SilenceSink) OnMemberDisconnect(ev MemberDisconnect) error {
	s.gen.Drop(ev.SSRC, ev.Talker)
	return nil
}

// Cleanup stops the generator. It blocks until no filler can be emitted
// anymore.
func (s *SilenceSink) Cleanup() { s.gen.Stop() }

// Listeners implements [Sink].
func (s *SilenceSink) Listeners() *Listeners { return silenceListeners }

// SilenceListeners returns the listener table of [SilenceSink].
func SilenceListeners() *Listeners { return silenceListeners }

type disconnectListener interface {
	OnMemberDisconnect(MemberDisconnect) error
}

var silenceListeners = MustListeners(nil,
	Listen("OnMemberDisconnect", func(s disconnectListener, ev MemberDisconnect) error {
		return s.OnMemberDisconnect(ev)
	}, EventMemberDisconnect),
)
