package discord

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/pion/rtp"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

// Compile-time interface assertion.
var _ audio.Session = (*Connection)(nil)

// eventQueueSize bounds the number of gateway events waiting for the
// delivery goroutine.
const eventQueueSize = 64

// Option configures a [Connection].
type Option func(*Connection)

// WithDispatcher replaces the dispatcher used to deliver events to the graph.
func WithDispatcher(d *sink.Dispatcher) Option {
	return func(c *Connection) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

// WithDecodeErrorHook registers fn to be called for every Opus frame that
// could not be decoded. The frame is dropped either way.
func WithDecodeErrorHook(fn func(ssrc uint32, err error)) Option {
	return func(c *Connection) { c.onDecodeErr = fn }
}

// WithDispatchHook registers fn to be called after every event delivered to
// the graph, with the error returned by the dispatcher.
func WithDispatchHook(fn func(ev sink.Event, err error)) Option {
	return func(c *Connection) { c.onDispatch = fn }
}

// Connection wraps a discordgo.VoiceConnection and delivers what it receives
// to a sink graph. Packets, speaking updates and voice state changes are all
// handed to the graph from one goroutine, so sinks never see concurrent
// Write or listener calls from the transport.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc         *discordgo.VoiceConnection
	session    *discordgo.Session
	guildID    string
	channelID  string
	root       sink.Sink
	dispatcher *sink.Dispatcher

	onDecodeErr func(ssrc uint32, err error)
	onDispatch  func(ev sink.Event, err error)

	mu       sync.RWMutex
	talkers  map[uint32]*audio.Talker // SSRC -> talker
	userSSRC map[string]uint32        // user ID -> SSRC

	events chan sink.Event

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel,
// binds it to root and starts the delivery goroutine.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, root sink.Sink, opts ...Option) (*Connection, error) {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		channelID:    vc.ChannelID,
		root:         root,
		dispatcher:   &sink.Dispatcher{},
		talkers:      make(map[uint32]*audio.Talker),
		userSSRC:     make(map[string]uint32),
		events:       make(chan sink.Event, eventQueueSize),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := sink.Bind(root, c); err != nil {
		return nil, err
	}

	vc.AddHandler(c.handleSpeakingUpdate)
	if session != nil {
		c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	}

	go c.recvLoop()
	return c, nil
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.channelID }

// TalkerForSSRC implements [audio.Connection]. The mapping is learned from
// speaking updates.
func (c *Connection) TalkerForSSRC(ssrc uint32) *audio.Talker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.talkers[ssrc]
}

// Disconnect leaves the voice channel and waits for the delivery goroutine to
// exit, so no Write or event reaches the graph after it returns. It is safe to
// call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		<-c.loopDone
	})
	return err
}

// recvLoop reads packets from the voice connection and queued gateway events
// and hands both to the graph.
func (c *Connection) recvLoop() {
	defer close(c.loopDone)

	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			if d, ok := ev.(sink.MemberDisconnect); ok && d.SSRC != 0 {
				delete(decoders, d.SSRC)
			}
			c.dispatch(ev)
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			if isRTCP(pkt) {
				c.handleRTCP(pkt)
				continue
			}
			c.deliver(pkt, decoders)
		}
	}
}

// deliver converts pkt into a voice unit and writes it to the root.
func (c *Connection) deliver(pkt *discordgo.Packet, decoders map[uint32]*opusDecoder) {
	data := &audio.VoiceData{
		Packet: &audio.Packet{Header: header(pkt)},
		Opus:   pkt.Opus,
	}

	if !c.root.WantsOpus() {
		dec, exists := decoders[pkt.SSRC]
		if !exists {
			var err error
			dec, err = newOpusDecoder()
			if err != nil {
				slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
				return
			}
			decoders[pkt.SSRC] = dec
		}
		pcm, err := dec.decode(pkt.Opus)
		if err != nil {
			slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
			if c.onDecodeErr != nil {
				c.onDecodeErr(pkt.SSRC, err)
			}
			return
		}
		data.PCM = pcm
	}

	c.root.Write(c.TalkerForSSRC(pkt.SSRC), data)
}

func (c *Connection) dispatch(ev sink.Event) {
	err := c.dispatcher.Dispatch(c.root, ev)
	if err != nil {
		slog.Warn("discord: event dispatch failed", "event", ev.EventName(), "error", err)
	}
	if c.onDispatch != nil {
		c.onDispatch(ev, err)
	}
}

// handleRTCP rebuilds a report that arrived split into Packet header fields
// and payload and dispatches every report it contains. discordgo itself never
// delivers these; see the package doc.
func (c *Connection) handleRTCP(pkt *discordgo.Packet) {
	raw := make([]byte, 12, 12+len(pkt.Opus))
	copy(raw[0:2], pkt.Type)
	binary.BigEndian.PutUint16(raw[2:4], pkt.Sequence)
	binary.BigEndian.PutUint32(raw[4:8], pkt.Timestamp)
	binary.BigEndian.PutUint32(raw[8:12], pkt.SSRC)
	raw = append(raw, pkt.Opus...)

	evs, err := sink.ParseRTCP(raw, c.guildID)
	if err != nil {
		slog.Debug("discord: dropping malformed rtcp packet", "ssrc", pkt.SSRC, "error", err)
		return
	}
	for _, ev := range evs {
		c.dispatch(ev)
	}
}

// handleSpeakingUpdate learns the SSRC of a user and queues the matching
// events. It runs on the voice websocket goroutine.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.SSRC <= 0 {
		return
	}
	ssrc := uint32(vs.SSRC)
	talker := c.resolveTalker(vs.UserID, nil)

	c.mu.Lock()
	_, known := c.talkers[ssrc]
	c.talkers[ssrc] = talker
	c.userSSRC[vs.UserID] = ssrc
	c.mu.Unlock()

	if !known {
		c.enqueue(sink.MemberConnect{Talker: talker, SSRC: ssrc})
	}
	c.enqueue(sink.SpeakingUpdate{Talker: talker, SSRC: ssrc, Speaking: vs.Speaking})
}

// handleVoiceStateUpdate detects users joining and leaving the voice channel
// this connection is on.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}

	// Participant left our channel.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == c.channelID && vsu.ChannelID != c.channelID {
		talker := c.resolveTalker(vsu.UserID, vsu.Member)

		c.mu.Lock()
		ssrc := c.userSSRC[vsu.UserID]
		delete(c.userSSRC, vsu.UserID)
		if ssrc != 0 {
			delete(c.talkers, ssrc)
		}
		c.mu.Unlock()

		c.enqueue(sink.MemberDisconnect{Talker: talker, SSRC: ssrc})
		return
	}

	// Participant joined our channel.
	if vsu.ChannelID == c.channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != c.channelID) {
		c.mu.RLock()
		ssrc := c.userSSRC[vsu.UserID]
		c.mu.RUnlock()
		c.enqueue(sink.MemberConnect{Talker: c.resolveTalker(vsu.UserID, vsu.Member), SSRC: ssrc})
	}
}

// enqueue hands ev to the delivery goroutine without blocking the gateway.
func (c *Connection) enqueue(ev sink.Event) {
	select {
	case <-c.done:
	case c.events <- ev:
	default:
		slog.Warn("discord: event queue full, dropping event", "event", ev.EventName(), "guild", c.guildID)
	}
}

// resolveTalker builds a talker for userID, preferring the member's guild
// nickname for the display name.
func (c *Connection) resolveTalker(userID string, member *discordgo.Member) *audio.Talker {
	t := &audio.Talker{UserID: userID}
	if member == nil && c.session != nil && c.session.State != nil {
		if m, err := c.session.State.Member(c.guildID, userID); err == nil {
			member = m
		}
	}
	if member != nil {
		switch {
		case member.Nick != "":
			t.Username = member.Nick
		case member.User != nil:
			t.Username = member.User.Username
		}
	}
	return t
}

// isRTCP reports whether pkt carries an RTCP report (payload types 192-223).
func isRTCP(pkt *discordgo.Packet) bool {
	return len(pkt.Type) >= 2 && pkt.Type[1] >= 192 && pkt.Type[1] <= 223
}

// header rebuilds the RTP header of a received packet.
func header(pkt *discordgo.Packet) rtp.Header {
	h := rtp.Header{
		Version:        2,
		SequenceNumber: pkt.Sequence,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
	}
	if len(pkt.Type) >= 2 {
		h.Version = pkt.Type[0] >> 6
		h.Padding = pkt.Type[0]&0x20 != 0
		h.Extension = pkt.Type[0]&0x10 != 0
		h.Marker = pkt.Type[1]&0x80 != 0
		h.PayloadType = pkt.Type[1] & 0x7F
	}
	return h
}
