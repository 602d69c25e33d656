package monitor

import (
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

var _ sink.Sink = (*Sink)(nil)

// Sink is a graph node that publishes every event it receives to a [Hub].
// It ignores voice data, so it is meant to sit on its own branch of a
// [sink.TeeSink].
type Sink struct {
	sink.Base

	hub       *Hub
	sessionID string
	now       func() time.Time
}

// NewSink creates a Sink publishing to hub. Messages are tagged with
// sessionID.
func NewSink(hub *Hub, sessionID string) (*Sink, error) {
	if hub == nil {
		return nil, &sink.ConfigurationError{Sink: "*monitor.Sink", Reason: "hub is nil"}
	}
	return &Sink{hub: hub, sessionID: sessionID, now: time.Now}, nil
}

// WantsOpus implements [sink.Sink].
func (s *Sink) WantsOpus() bool { return false }

// Write implements [sink.Sink]. Voice data is not published.
func (s *Sink) Write(*audio.Talker, *audio.VoiceData) {}

// Cleanup implements [sink.Sink].
func (s *Sink) Cleanup() {}

// Listeners implements [sink.Sink].
func (s *Sink) Listeners() *sink.Listeners { return monitorListeners }

// OnSpeaking publishes a speaking update.
func (s *Sink) OnSpeaking(ev sink.SpeakingUpdate) error {
	msg := s.message(sink.EventSpeakingUpdate, ev.Talker, ev.SSRC)
	msg.Speaking = &ev.Speaking
	s.hub.Publish(msg)
	return nil
}

// OnMember publishes a member joining or leaving.
func (s *Sink) OnMember(ev sink.Event) error {
	switch ev := ev.(type) {
	case sink.MemberConnect:
		s.hub.Publish(s.message(ev.EventName(), ev.Talker, ev.SSRC))
	case sink.MemberDisconnect:
		s.hub.Publish(s.message(ev.EventName(), ev.Talker, ev.SSRC))
	default:
		return fmt.Errorf("monitor: unexpected event %T", ev)
	}
	return nil
}

// OnRTCP publishes the type of a received RTCP report.
func (s *Sink) OnRTCP(ev sink.RTCPPacket) error {
	msg := s.message(sink.EventRTCPPacket, nil, 0)
	if ev.Packet != nil {
		msg.Detail = fmt.Sprintf("%T", ev.Packet)
		if ssrcs := ev.Packet.DestinationSSRC(); len(ssrcs) > 0 {
			msg.SSRC = ssrcs[0]
		}
	}
	s.hub.Publish(msg)
	return nil
}

func (s *Sink) message(typ string, talker *audio.Talker, ssrc uint32) Message {
	msg := Message{
		Type:      typ,
		SessionID: s.sessionID,
		SSRC:      ssrc,
		Time:      s.now().UTC(),
	}
	if conn := s.VoiceConnection(); conn != nil {
		msg.GuildID = conn.GuildID()
		msg.ChannelID = conn.ChannelID()
	}
	if talker != nil {
		msg.UserID = talker.UserID
		msg.Username = talker.Username
	}
	return msg
}

var monitorListeners = sink.MustListeners(nil,
	sink.Listen("OnSpeaking", (*Sink).OnSpeaking, sink.EventSpeakingUpdate),
	sink.Listen("OnMember", (*Sink).OnMember, sink.EventMemberConnect, sink.EventMemberDisconnect),
	sink.Listen("OnRTCP", (*Sink).OnRTCP, sink.EventRTCPPacket),
)
