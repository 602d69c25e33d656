package discord

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pion/rtcp"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// eventSink is a BasicSink extended with a listener recording every event
// the connection dispatches.
type eventSink struct {
	*sink.BasicSink

	mu     sync.Mutex
	events []sink.Event
	writes []*audio.VoiceData
	talker []*audio.Talker
}

func (s *eventSink) Listeners() *sink.Listeners { return eventListeners }

func (s *eventSink) record(ev sink.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) Events() []sink.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.Event(nil), s.events...)
}

func (s *eventSink) Writes() ([]*audio.Talker, []*audio.VoiceData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*audio.Talker(nil), s.talker...), append([]*audio.VoiceData(nil), s.writes...)
}

var eventListeners = sink.MustListeners(sink.BasicListeners(),
	sink.Listen("record", func(s *eventSink, ev sink.Event) error { return s.record(ev) },
		sink.EventSpeakingUpdate, sink.EventMemberConnect, sink.EventMemberDisconnect, sink.EventRTCPPacket),
)

func newEventSink(t *testing.T, opts ...sink.BasicOption) *eventSink {
	t.Helper()
	s := &eventSink{}
	b, err := sink.NewBasic(func(talker *audio.Talker, data *audio.VoiceData) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.talker = append(s.talker, talker)
		s.writes = append(s.writes, data)
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	s.BasicSink = b
	return s
}

// newTestConnection creates a Connection suitable for unit testing without
// a real Discord voice connection. It wires up a fake OpusRecv channel.
func newTestConnection(t *testing.T, root sink.Sink, opts ...Option) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		ChannelID: "chan-test",
		OpusRecv:  make(chan *discordgo.Packet, 16),
	}
	c, err := newConnection(vc, nil, "guild-test", root, opts...)
	if err != nil {
		t.Fatalf("newConnection: %v", err)
	}
	c.disconnectVC = func() error { return nil } // no-op for tests
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── Platform tests ──────────────────────────────────────────────────────────

// TestNewPlatform verifies that New creates a Platform with the expected fields.
func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s, "guild-123")
	if p == nil {
		t.Fatal("New returned nil")
	}
	if p.session != s {
		t.Error("session not stored correctly")
	}
	if p.GuildID() != "guild-123" {
		t.Errorf("GuildID() = %q, want %q", p.GuildID(), "guild-123")
	}
}

// ─── Connection tests ─────────────────────────────────────────────────────────

// TestConnection_BindsRoot verifies that every node of the graph resolves the
// connection.
func TestConnection_BindsRoot(t *testing.T) {
	t.Parallel()

	leaf := newEventSink(t)
	root, err := sink.NewMulti(leaf)
	if err != nil {
		t.Fatal(err)
	}
	c := newTestConnection(t, root)

	conn := leaf.VoiceConnection()
	if conn == nil {
		t.Fatal("leaf did not resolve the voice connection")
	}
	if conn.GuildID() != "guild-test" || conn.ChannelID() != "chan-test" {
		t.Errorf("conn = %s/%s, want guild-test/chan-test", conn.GuildID(), conn.ChannelID())
	}
	if conn != audio.Connection(c) {
		t.Error("resolved connection is not the Connection")
	}
}

// TestConnection_NonRootRejected verifies that a connection can only feed the
// root of a graph.
func TestConnection_NonRootRejected(t *testing.T) {
	t.Parallel()

	leaf := newEventSink(t)
	if _, err := sink.NewMulti(leaf); err != nil {
		t.Fatal(err)
	}
	vc := &discordgo.VoiceConnection{OpusRecv: make(chan *discordgo.Packet)}
	if _, err := newConnection(vc, nil, "g", leaf); !errors.Is(err, sink.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

// TestConnection_DisconnectIdempotent verifies that Disconnect can be called
// multiple times without panicking and returns nil on subsequent calls.
func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, newEventSink(t))
	for i := range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: unexpected error: %v", i, err)
		}
	}
}

// TestConnection_DecodesPerSSRC verifies that Opus packets are decoded and
// written to the root with their RTP header.
func TestConnection_DecodesPerSSRC(t *testing.T) {
	t.Parallel()

	root := newEventSink(t)
	c := newTestConnection(t, root)

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Sequence: 7, Timestamp: 960, Type: []byte{0x80, 0x78}, Opus: audio.SilenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: audio.SilenceOpus}

	waitFor(t, "two writes", func() bool { _, w := root.Writes(); return len(w) == 2 })

	_, writes := root.Writes()
	first := writes[0]
	if first.SSRC() != 100 || first.Packet.SequenceNumber != 7 || first.Packet.Timestamp != 960 {
		t.Errorf("header = %+v", first.Packet.Header)
	}
	if first.Packet.PayloadType != 0x78 || first.Packet.Version != 2 {
		t.Errorf("payload type %d version %d, want 120 and 2", first.Packet.PayloadType, first.Packet.Version)
	}
	for _, w := range writes {
		if len(w.PCM) != audio.FrameBytes {
			t.Errorf("ssrc %d: pcm = %d bytes, want %d", w.SSRC(), len(w.PCM), audio.FrameBytes)
		}
	}
}

// TestConnection_OpusPassthrough verifies that a graph asking for Opus gets
// undecoded frames.
func TestConnection_OpusPassthrough(t *testing.T) {
	t.Parallel()

	root := newEventSink(t, sink.WithOpus())
	c := newTestConnection(t, root)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: []byte{1, 2, 3}}

	waitFor(t, "write", func() bool { _, w := root.Writes(); return len(w) == 1 })
	_, writes := root.Writes()
	if writes[0].PCM != nil || string(writes[0].Opus) != "\x01\x02\x03" {
		t.Errorf("unit = %+v, want raw opus only", writes[0])
	}
}

// TestConnection_DecodeErrorHook verifies that undecodable frames are dropped
// and reported.
func TestConnection_DecodeErrorHook(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var failed []uint32
	root := newEventSink(t)
	c := newTestConnection(t, root, WithDecodeErrorHook(func(ssrc uint32, _ error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, ssrc)
	}))
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 9, Opus: []byte{0xFF, 0xFF}}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 9}

	waitFor(t, "decode error", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 2
	})
	if _, w := root.Writes(); len(w) != 0 {
		t.Errorf("writes = %d, want 0", len(w))
	}
}

// TestConnection_SpeakingUpdate verifies SSRC learning and the events it
// produces.
func TestConnection_SpeakingUpdate(t *testing.T) {
	t.Parallel()

	root := newEventSink(t)
	c := newTestConnection(t, root)

	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 100, Speaking: true})
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 100, Speaking: false})

	if got := c.TalkerForSSRC(100); got == nil || got.UserID != "u1" {
		t.Fatalf("TalkerForSSRC(100) = %v, want u1", got)
	}
	waitFor(t, "events", func() bool { return len(root.Events()) == 3 })

	evs := root.Events()
	if mc, ok := evs[0].(sink.MemberConnect); !ok || mc.SSRC != 100 {
		t.Errorf("event 0 = %#v, want MemberConnect ssrc 100", evs[0])
	}
	if su, ok := evs[1].(sink.SpeakingUpdate); !ok || !su.Speaking {
		t.Errorf("event 1 = %#v, want SpeakingUpdate speaking", evs[1])
	}
	if su, ok := evs[2].(sink.SpeakingUpdate); !ok || su.Speaking {
		t.Errorf("event 2 = %#v, want SpeakingUpdate silent", evs[2])
	}

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: audio.SilenceOpus}
	waitFor(t, "write", func() bool { _, w := root.Writes(); return len(w) == 1 })
	talkers, _ := root.Writes()
	if talkers[0] == nil || talkers[0].UserID != "u1" {
		t.Errorf("write talker = %v, want u1", talkers[0])
	}
}

// TestConnection_VoiceStateLeave verifies that a user leaving the channel is
// dispatched as a member disconnect carrying the learned SSRC.
func TestConnection_VoiceStateLeave(t *testing.T) {
	t.Parallel()

	root := newEventSink(t)
	c := newTestConnection(t, root)
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 55, Speaking: true})

	member := &discordgo.Member{Nick: "Alice", User: &discordgo.User{ID: "u1", Username: "alice"}}
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "u1", ChannelID: "", Member: member},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "guild-test", UserID: "u1", ChannelID: "chan-test"},
	})
	// Other guilds are ignored.
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "other", UserID: "u2", ChannelID: "chan-test"},
	})

	waitFor(t, "disconnect", func() bool { return len(root.Events()) == 3 })
	md, ok := root.Events()[2].(sink.MemberDisconnect)
	if !ok {
		t.Fatalf("event = %#v, want MemberDisconnect", root.Events()[2])
	}
	if md.SSRC != 55 || md.Talker.UserID != "u1" || md.Talker.Username != "Alice" {
		t.Errorf("disconnect = %+v talker %+v", md, md.Talker)
	}
	if c.TalkerForSSRC(55) != nil {
		t.Error("SSRC mapping survived the leave")
	}
}

// TestConnection_VoiceStateJoin verifies member connects from voice states.
func TestConnection_VoiceStateJoin(t *testing.T) {
	t.Parallel()

	root := newEventSink(t)
	c := newTestConnection(t, root)
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "u3", ChannelID: "chan-test"},
	})

	waitFor(t, "connect", func() bool { return len(root.Events()) == 1 })
	mc, ok := root.Events()[0].(sink.MemberConnect)
	if !ok || mc.SSRC != 0 || mc.Talker.UserID != "u3" {
		t.Errorf("event = %#v, want MemberConnect u3 without ssrc", root.Events()[0])
	}
}

// TestConnection_RTCP verifies that RTCP reports handed over on the packet
// channel are dispatched instead of decoded.
func TestConnection_RTCP(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reports []rtcp.Packet
	root := newEventSink(t, sink.WithRTCP(func(p rtcp.Packet) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, p)
	}))
	c := newTestConnection(t, root)

	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{
		SSRC:    77,
		Reports: []rtcp.ReceptionReport{{SSRC: 100, LastSequenceNumber: 12}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	c.vc.OpusRecv <- &discordgo.Packet{
		Type:      raw[0:2],
		Sequence:  binary.BigEndian.Uint16(raw[2:4]),
		Timestamp: binary.BigEndian.Uint32(raw[4:8]),
		SSRC:      binary.BigEndian.Uint32(raw[8:12]),
		Opus:      raw[12:],
	}

	waitFor(t, "rtcp report", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) == 1
	})
	if rr, ok := reports[0].(*rtcp.ReceiverReport); !ok || rr.SSRC != 77 {
		t.Errorf("report = %#v, want receiver report from 77", reports[0])
	}
	if _, w := root.Writes(); len(w) != 0 {
		t.Errorf("rtcp packet was written as audio")
	}
}

// TestConnection_NoDeliveryAfterDisconnect verifies that Disconnect waits for
// the delivery goroutine.
func TestConnection_NoDeliveryAfterDisconnect(t *testing.T) {
	t.Parallel()

	root := newEventSink(t)
	c := newTestConnection(t, root)
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 1, Opus: audio.SilenceOpus}
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u", SSRC: 1, Speaking: true})
	time.Sleep(50 * time.Millisecond)
	if _, w := root.Writes(); len(w) != 0 {
		t.Errorf("writes after disconnect = %d", len(w))
	}
	if n := len(root.Events()); n != 0 {
		t.Errorf("events after disconnect = %d", n)
	}
}

// TestConnection_ConcurrentDisconnect exercises Disconnect from multiple
// goroutines to verify thread safety (run with -race).
func TestConnection_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, newEventSink(t))
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Disconnect()
		})
	}
	wg.Wait()
}

// TestConnection_DispatchHook verifies that every delivered event is reported
// to the dispatch hook together with the dispatch result.
func TestConnection_DispatchHook(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		names []string
	)
	root := newEventSink(t)
	c := newTestConnection(t, root, WithDispatchHook(func(ev sink.Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			t.Errorf("unexpected dispatch error for %s: %v", ev.EventName(), err)
		}
		names = append(names, ev.EventName())
	}))

	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 9, Speaking: true})

	waitFor(t, "hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if names[0] != sink.EventMemberConnect || names[1] != sink.EventSpeakingUpdate {
		t.Errorf("hooked events = %v", names)
	}
}
