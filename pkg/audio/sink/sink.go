// Package sink implements the receive-side processing graph of earshot.
//
// A graph is a rooted tree of [Sink] nodes. The transport calls Write on the
// root once per received [audio.VoiceData]; every node decides whether, how
// and to which children it forwards the unit. Out-of-band protocol events
// (speaking changes, member connects and disconnects, RTCP reports) are
// delivered with a [Dispatcher], which walks the same tree and invokes the
// listeners each node type declared for that event name.
//
// Every node embeds [Base]. Edges are created exclusively by [Base.Attach]
// from a node's constructor, which guarantees that a node has at most one
// parent and that the tree never cycles:
//
//	wav, err := sink.NewWaveFile("out.wav")
//	vol, err := sink.NewVolume(wav, 0.8)
//	root, err := sink.NewUserFilter(vol, talker)
//	...
//	root.Write(talker, data)
//	sink.Dispatch(root, sink.MemberDisconnect{Talker: talker, SSRC: ssrc})
//	sink.Teardown(root)
//
// Custom node types embed [Base] (or one of the concrete sinks), implement
// WantsOpus, Write and Cleanup, and may declare listeners with [Listen] and
// [NewListeners].
package sink

import (
	"iter"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// WriteFunc is the signature of a sink's Write method.
type WriteFunc func(talker *audio.Talker, data *audio.VoiceData)

// Sink is a node of the processing graph.
//
// Write and event listeners are called from a single goroutine at a time (the
// transport's delivery goroutine). Configuration that may also be changed
// from elsewhere must be guarded by the implementation.
type Sink interface {
	// Parent returns the node this sink was attached to, or nil for a root.
	Parent() Sink

	// Children returns a copy of the ordered list of attached children.
	Children() []Sink

	// VoiceConnection resolves the voice connection bound to the root of the
	// graph. It returns nil until the root has been bound with [Bind].
	VoiceConnection() audio.Connection

	// WantsOpus reports whether the sink needs still-encoded Opus data
	// instead of decoded PCM.
	WantsOpus() bool

	// Write consumes one voice unit. It runs synchronously on the packet
	// delivery path and must not block on I/O longer than necessary.
	Write(talker *audio.Talker, data *audio.VoiceData)

	// Cleanup releases resources owned by the node. It must be safe to call
	// more than once and must not be called on the packet delivery path.
	Cleanup()

	// Listeners returns the static listener table of the concrete type.
	Listeners() *Listeners

	base() *Base
}

// Base holds the tree links of a sink. It must be embedded by every [Sink]
// implementation and is not usable on its own.
type Base struct {
	mu       sync.RWMutex
	parent   Sink
	children []Sink
	conn     audio.Connection
}

// Parent implements [Sink].
func (b *Base) Parent() Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

// Children implements [Sink].
func (b *Base) Children() []Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.children)
}

// VoiceConnection implements [Sink] by walking parent links to the root.
func (b *Base) VoiceConnection() audio.Connection {
	b.mu.RLock()
	parent, conn := b.parent, b.conn
	b.mu.RUnlock()
	if parent != nil {
		return parent.VoiceConnection()
	}
	return conn
}

// Listeners implements [Sink]. Types that declare no listeners inherit this
// empty table.
func (b *Base) Listeners() *Listeners { return emptyListeners }

func (b *Base) base() *Base { return b }

// Attach makes children the ordered children of self, which must be the sink
// embedding b. It is meant to be called once from a constructor.
//
// Attach fails with a [*ConfigurationError] if a child is nil, already has a
// parent, is bound to a voice connection, is listed twice, or is self or one
// of its ancestors.
func (b *Base) Attach(self Sink, children ...Sink) error {
	if isNil(self) || self.base() != b {
		return configErr(self, "attach: self must be the sink embedding this Base")
	}

	seen := make(map[*Base]bool, len(children))
	for i, c := range children {
		if isNil(c) {
			return configErr(self, "attach: child %d is nil", i)
		}
		cb := c.base()
		if seen[cb] {
			return configErr(self, "attach: %s listed twice", typeName(c))
		}
		seen[cb] = true
		if cb == b {
			return configErr(self, "attach: a sink cannot be its own child")
		}
		cb.mu.RLock()
		parent, bound := cb.parent, cb.conn != nil
		cb.mu.RUnlock()
		if parent != nil {
			return configErr(self, "attach: %s already has a parent", typeName(c))
		}
		if bound {
			return configErr(self, "attach: %s holds a voice connection and must stay a root", typeName(c))
		}
		for p := self.Parent(); p != nil; p = p.Parent() {
			if p.base() == cb {
				return configErr(self, "attach: %s is an ancestor, the graph would cycle", typeName(c))
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range children {
		cb := c.base()
		cb.mu.Lock()
		cb.parent = self
		cb.mu.Unlock()
		b.children = append(b.children, c)
	}
	return nil
}

// Bind stores conn on root so that every node of the graph can resolve it
// through [Sink.VoiceConnection]. Only a root may hold the connection.
func Bind(root Sink, conn audio.Connection) error {
	if isNil(root) {
		return configErr(root, "bind: root is nil")
	}
	b := root.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.parent != nil {
		return configErr(root, "bind: only the root of a graph may hold the voice connection")
	}
	b.conn = conn
	return nil
}

// WalkChildren yields every descendant of s exactly once, depth first with
// parents before their children and siblings in attach order. Each call
// starts a fresh walk.
func WalkChildren(s Sink) iter.Seq[Sink] {
	return func(yield func(Sink) bool) {
		if isNil(s) {
			return
		}
		walk(s, yield)
	}
}

// Walk is like [WalkChildren] but yields s itself first.
func Walk(s Sink) iter.Seq[Sink] {
	return func(yield func(Sink) bool) {
		if isNil(s) || !yield(s) {
			return
		}
		walk(s, yield)
	}
}

func walk(s Sink, yield func(Sink) bool) bool {
	for _, c := range s.Children() {
		if !yield(c) || !walk(c, yield) {
			return false
		}
	}
	return true
}

// Teardown cleans up every node of the graph rooted at root, descendants
// before their ancestors, and then clears all tree links. A panicking
// Cleanup is logged and does not stop the teardown.
func Teardown(root Sink) {
	nodes := slices.Collect(Walk(root))
	for _, n := range slices.Backward(nodes) {
		cleanup(n)
	}
	for _, n := range nodes {
		b := n.base()
		b.mu.Lock()
		b.parent = nil
		b.children = nil
		b.conn = nil
		b.mu.Unlock()
	}
}

func cleanup(n Sink) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sink: cleanup panicked", "sink", typeName(n), "panic", r)
		}
	}()
	n.Cleanup()
}

// isNil reports whether s is nil or a typed nil pointer.
func isNil(s Sink) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
