package sink

import (
	"fmt"

	"github.com/pion/rtcp"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Event names dispatched by the transport.
const (
	EventSpeakingUpdate   = "speaking_update"
	EventMemberConnect    = "member_connect"
	EventMemberDisconnect = "member_disconnect"
	EventRTCPPacket       = "rtcp_packet"
)

// SpeakingUpdate reports that a talker started or stopped transmitting.
type SpeakingUpdate struct {
	// Talker is the user whose state changed; nil if unresolved.
	Talker *audio.Talker

	// SSRC is the RTP source the talker transmits on.
	SSRC uint32

	Speaking bool
}

// EventName implements [Event].
func (SpeakingUpdate) EventName() string { return EventSpeakingUpdate }

// MemberConnect reports that a user's SSRC became known to the session.
type MemberConnect struct {
	Talker *audio.Talker
	SSRC   uint32
}

// EventName implements [Event].
func (MemberConnect) EventName() string { return EventMemberConnect }

// MemberDisconnect reports that a user left the voice channel. SSRC is 0 when
// the user never transmitted.
type MemberDisconnect struct {
	Talker *audio.Talker
	SSRC   uint32
}

// EventName implements [Event].
func (MemberDisconnect) EventName() string { return EventMemberDisconnect }

// RTCPPacket carries one received RTCP report.
type RTCPPacket struct {
	Packet  rtcp.Packet
	GuildID string
}

// EventName implements [Event].
func (RTCPPacket) EventName() string { return EventRTCPPacket }

// ParseRTCP decodes a compound RTCP datagram into one event per contained
// report.
func ParseRTCP(raw []byte, guildID string) ([]RTCPPacket, error) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("sink: parse rtcp: %w", err)
	}
	evs := make([]RTCPPacket, len(pkts))
	for i, p := range pkts {
		evs[i] = RTCPPacket{Packet: p, GuildID: guildID}
	}
	return evs, nil
}
