// Package mock provides in-memory mock implementations of the voice session
// and sink types of earshot for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := &mock.Connection{Guild: "g1", Channel: "c1"}
//	platform := &mock.Platform{ListenResult: conn}
//	session, err := platform.Listen(ctx, "c1", root)
//	platform.Write(talker, data)                  // drive the bound graph
//	platform.Dispatch(sink.MemberDisconnect{...}) // deliver an event
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Session].
// Set the exported fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// Guild is returned by [Connection.GuildID].
	Guild string

	// Channel is returned by [Connection.ChannelID].
	Channel string

	// Talkers maps SSRCs to the talkers returned by [Connection.TalkerForSSRC].
	Talkers map[uint32]*audio.Talker

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.Guild }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.Channel }

// TalkerForSSRC implements [audio.Connection].
func (c *Connection) TalkerForSSRC(ssrc uint32) *audio.Talker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Talkers[ssrc]
}

// Disconnect implements [audio.Session]. Returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ListenCall records the arguments of a single [Platform.Listen] invocation.
type ListenCall struct {
	// ChannelID is the channelID argument passed to Listen.
	ChannelID string

	// Root is the graph root passed to Listen.
	Root sink.Sink
}

// Platform is a mock voice platform. Listen binds the root to ListenResult
// the way a real transport does and remembers it so that tests can feed it.
type Platform struct {
	mu sync.Mutex

	// ListenResult is the session returned by Listen. When nil, Listen
	// returns a fresh *Connection.
	ListenResult *Connection

	// ListenError is the error returned by Listen.
	ListenError error

	// ListenCalls records all Listen invocations.
	ListenCalls []ListenCall

	root sink.Sink
}

// Listen records the call, binds root and returns ListenResult / ListenError.
func (p *Platform) Listen(_ context.Context, channelID string, root sink.Sink) (audio.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListenCalls = append(p.ListenCalls, ListenCall{ChannelID: channelID, Root: root})
	if p.ListenError != nil {
		return nil, p.ListenError
	}
	conn := p.ListenResult
	if conn == nil {
		conn = &Connection{Channel: channelID}
	}
	if err := sink.Bind(root, conn); err != nil {
		return nil, err
	}
	p.root = root
	return conn, nil
}

// Root returns the root passed to the last successful Listen call.
func (p *Platform) Root() sink.Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

// Write feeds one unit to the bound root.
func (p *Platform) Write(talker *audio.Talker, data *audio.VoiceData) {
	if root := p.Root(); root != nil {
		root.Write(talker, data)
	}
}

// Dispatch delivers ev to the bound root.
func (p *Platform) Dispatch(ev sink.Event) error {
	return sink.Dispatch(p.Root(), ev)
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// WriteCall records the arguments of a single [Sink.Write] invocation.
type WriteCall struct {
	Talker *audio.Talker
	Data   *audio.VoiceData
}

// Sink is a mock terminal [sink.Sink] that records every write.
type Sink struct {
	sink.Base

	mu sync.Mutex

	// Opus is returned by WantsOpus.
	Opus bool

	// WriteCalls records all Write invocations.
	WriteCalls []WriteCall

	// CallCountCleanup records how many times Cleanup was called.
	CallCountCleanup int
}

// WantsOpus implements [sink.Sink].
func (s *Sink) WantsOpus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Opus
}

// Write implements [sink.Sink]. Records the call arguments.
func (s *Sink) Write(talker *audio.Talker, data *audio.VoiceData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteCalls = append(s.WriteCalls, WriteCall{Talker: talker, Data: data})
}

// Cleanup implements [sink.Sink].
func (s *Sink) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCleanup++
}

// Writes returns a copy of the recorded writes.
func (s *Sink) Writes() []WriteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.WriteCalls)
}

// Cleanups returns how many times Cleanup was called.
func (s *Sink) Cleanups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountCleanup
}
