package sink

import (
	"github.com/pion/rtcp"

	"github.com/MrWong99/earshot/pkg/audio"
)

var _ Sink = (*BasicSink)(nil)

// BasicSink is a terminal sink that hands every unit to a callback.
type BasicSink struct {
	Base

	onWrite WriteFunc
	onRTCP  func(rtcp.Packet)
	opus    bool
}

// BasicOption configures a [BasicSink].
type BasicOption func(*BasicSink)

// WithRTCP registers fn to be called for every dispatched RTCP report.
func WithRTCP(fn func(rtcp.Packet)) BasicOption {
	return func(s *BasicSink) { s.onRTCP = fn }
}

// WithOpus makes the sink request still-encoded Opus data instead of PCM.
func WithOpus() BasicOption {
	return func(s *BasicSink) { s.opus = true }
}

// NewBasic creates a BasicSink calling onWrite for every unit.
func NewBasic(onWrite WriteFunc, opts ...BasicOption) (*BasicSink, error) {
	if onWrite == nil {
		return nil, configErr((*BasicSink)(nil), "write callback is nil")
	}
	s := &BasicSink{onWrite: onWrite}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WantsOpus implements [Sink].
func (s *BasicSink) WantsOpus() bool { return s.opus }

// Write implements [Sink].
func (s *BasicSink) Write(talker *audio.Talker, data *audio.VoiceData) {
	s.onWrite(talker, data)
}

// OnRTCPPacket is the listener for [EventRTCPPacket].
func (s *BasicSink) OnRTCPPacket(ev RTCPPacket) error {
	if s.onRTCP != nil {
		s.onRTCP(ev.Packet)
	}
	return nil
}

// Cleanup implements [Sink]. A BasicSink owns no resources.
func (s *BasicSink) Cleanup() {}

// Listeners implements [Sink].
func (s *BasicSink) Listeners() *Listeners { return basicListeners }

// BasicListeners returns the listener table of [BasicSink], for types that
// embed it and extend or override its listeners.
func BasicListeners() *Listeners { return basicListeners }

type rtcpListener interface {
	OnRTCPPacket(RTCPPacket) error
}

var basicListeners = MustListeners(nil,
	Listen("OnRTCPPacket", func(s rtcpListener, ev RTCPPacket) error {
		return s.OnRTCPPacket(ev)
	}, EventRTCPPacket),
)
