package audio

import "github.com/pion/rtp"

// Canonical decoder output format. Discord voice is 48 kHz stereo Opus at a
// 20 ms frame size, decoded to signed 16-bit little-endian PCM.
const (
	// SampleRate is the decoded sampling rate in Hz.
	SampleRate = 48000

	// Channels is the number of interleaved channels in decoded PCM.
	Channels = 2

	// SampleWidth is the size in bytes of a single sample of one channel.
	SampleWidth = 2

	// FrameDuration is the duration of one Opus frame in milliseconds.
	FrameDuration = 20

	// FrameSize is the number of samples per channel in one frame (960).
	FrameSize = SampleRate * FrameDuration / 1000

	// FrameBytes is the size in bytes of one decoded PCM frame (3840).
	FrameBytes = FrameSize * Channels * SampleWidth
)

// SilenceOpus is the three-byte Opus frame Discord treats as silence.
var SilenceOpus = []byte{0xF8, 0xFF, 0xFE}

// Packet is the metadata of a received RTP voice packet.
type Packet struct {
	rtp.Header

	// Synthetic marks packets fabricated locally (e.g. silence filler)
	// rather than received from the network.
	Synthetic bool
}

// Talker identifies the originator of received audio. A nil *Talker means
// the SSRC has not been resolved to a user yet.
type Talker struct {
	// UserID is the platform-specific unique identifier of the user.
	UserID string

	// Username is the human-readable display name, if known.
	Username string
}

// Equal reports whether t and o refer to the same user. Two nil talkers are
// equal; a nil talker never equals a resolved one.
func (t *Talker) Equal(o *Talker) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.UserID == o.UserID
}

// String returns the display name, the user ID or "<unknown>".
func (t *Talker) String() string {
	switch {
	case t == nil:
		return "<unknown>"
	case t.Username != "":
		return t.Username
	default:
		return t.UserID
	}
}

// VoiceData is one received audio unit flowing through a sink graph.
//
// A VoiceData value has a single owner at a time: the sink currently
// processing it may replace PCM in place before forwarding it on.
type VoiceData struct {
	// Packet is the originating packet metadata. Never nil for units
	// produced by a transport or by the silence generator.
	Packet *Packet

	// Opus is the still-encoded payload.
	Opus []byte

	// PCM is the decoded payload, or nil when the graph requested Opus only.
	PCM []byte
}

// SSRC returns the synchronisation source of the originating packet, or 0.
func (d *VoiceData) SSRC() uint32 {
	if d == nil || d.Packet == nil {
		return 0
	}
	return d.Packet.SSRC
}

// Clone returns a copy of d whose payload slices do not alias d's.
// The packet metadata is shared since sinks never mutate it.
func (d *VoiceData) Clone() *VoiceData {
	if d == nil {
		return nil
	}
	c := &VoiceData{Packet: d.Packet}
	if d.Opus != nil {
		c.Opus = append([]byte(nil), d.Opus...)
	}
	if d.PCM != nil {
		c.PCM = append([]byte(nil), d.PCM...)
	}
	return c
}

// NewSilence builds a synthetic silence unit that continues the stream of
// last: the sequence number advances by one and the timestamp by one frame.
// When last is nil the header only carries ssrc.
func NewSilence(ssrc uint32, last *Packet) *VoiceData {
	hdr := rtp.Header{Version: 2, SSRC: ssrc}
	if last != nil {
		hdr.PayloadType = last.PayloadType
		hdr.SequenceNumber = last.SequenceNumber + 1
		hdr.Timestamp = last.Timestamp + FrameSize
	}
	return &VoiceData{
		Packet: &Packet{Header: hdr, Synthetic: true},
		Opus:   append([]byte(nil), SilenceOpus...),
		PCM:    make([]byte, FrameBytes),
	}
}
