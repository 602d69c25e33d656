// Package audio defines the data model shared by the receive pipeline of
// earshot: received voice units ([VoiceData]), their packet metadata
// ([Packet]), the identity of whoever produced them ([Talker]) and the
// canonical decoder format constants.
//
// The processing graph that consumes these values lives in audio/sink; the
// platform adapters that produce them live in packages such as
// audio/discord. The interfaces here are intentionally narrow so that sinks
// never depend on a specific voice platform.
package audio

// Connection is the read-only view of an active voice session that sink
// nodes may consult for identification and lookup. Sinks must never mutate
// or tear down the connection through this interface.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// GuildID returns the platform identifier of the server (guild) the
	// session belongs to.
	GuildID() string

	// ChannelID returns the platform identifier of the voice channel.
	ChannelID() string

	// TalkerForSSRC resolves an RTP synchronisation source to the user
	// sending it. It returns nil when the SSRC is not known yet.
	TalkerForSSRC(ssrc uint32) *Talker
}

// Session is a [Connection] owned by the caller, who is responsible for
// ending it.
type Session interface {
	Connection

	// Disconnect leaves the voice channel and stops delivering packets.
	// It is safe to call more than once; subsequent calls return nil.
	Disconnect() error
}
