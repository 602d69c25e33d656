package sink

import (
	"errors"
	"fmt"
	"slices"
)

// Event is an out-of-band protocol event delivered to sinks by a
// [Dispatcher]. The name selects which listeners run.
type Event interface {
	EventName() string
}

// Handler is the type-erased form of a listener. Handlers run synchronously
// on the dispatching goroutine.
type Handler func(s Sink, ev Event) error

// Listener is one entry of a [Listeners] table.
type Listener struct {
	// Event is the event name the listener reacts to.
	Event string

	// Attr is the identity of the declaring attribute (conventionally the
	// name of the method the handler calls). A derived table that declares
	// the same Attr replaces the inherited entry.
	Attr string

	Handler Handler
}

// Listeners is the immutable, per-type listener table of a sink type. Build
// one per type at package initialisation with [NewListeners] or
// [MustListeners] and return it from the type's Listeners method; all
// instances share it.
type Listeners struct {
	entries []Listener
}

var emptyListeners = &Listeners{}

// Entries returns the ordered (event name, handler) entries.
func (l *Listeners) Entries() []Listener {
	if l == nil {
		return nil
	}
	return slices.Clone(l.entries)
}

// Lookup returns the entries registered for the event name, in order.
func (l *Listeners) Lookup(event string) []Listener {
	if l == nil {
		return nil
	}
	var out []Listener
	for _, e := range l.entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Listeners) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Decl declares a listener (or the removal of an inherited one) for
// [NewListeners].
type Decl struct {
	attr    string
	names   []string
	handler Handler
	remove  bool
}

// Listen declares a listener under the attribute identity attr. The listener
// receives events named names, or an event named attr when no names are
// given.
//
// S is the receiver type the dispatched node is asserted to. Use an interface
// type (e.g. interface{ OnRTCPPacket(RTCPPacket) error }) when the listener
// should keep working for types that embed the declaring sink. E is the
// concrete event type; dispatching a differently typed event under the same
// name makes the handler fail with an error.
func Listen[S any, E Event](attr string, fn func(S, E) error, names ...string) Decl {
	d := Decl{attr: attr, names: names}
	if fn == nil {
		return d
	}
	d.handler = func(s Sink, ev Event) error {
		recv, ok := any(s).(S)
		if !ok {
			return fmt.Errorf("listener %s: receiver %T is not %s", attr, s, typeOf[S]())
		}
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("listener %s: event %T is not %s", attr, ev, typeOf[E]())
		}
		return fn(recv, e)
	}
	return d
}

// Remove declares that the inherited listener with identity attr is not
// part of the derived table, the way redefining a method without tagging it
// as a listener would.
func Remove(attr string) Decl {
	return Decl{attr: attr, remove: true}
}

// NewListeners builds a listener table from the inherited table base (may be
// nil) and decls. Inherited entries keep their order unless the derived
// declarations mention the same attribute, in which case the inherited entry
// is dropped and the derived one appended after the retained base entries.
func NewListeners(base *Listeners, decls ...Decl) (*Listeners, error) {
	var errs []error
	declared := make(map[string]bool, len(decls))
	for i, d := range decls {
		switch {
		case d.attr == "":
			errs = append(errs, fmt.Errorf("declaration %d: empty attribute", i))
			continue
		case declared[d.attr]:
			errs = append(errs, fmt.Errorf("declaration %d: attribute %q declared twice", i, d.attr))
			continue
		case !d.remove && d.handler == nil:
			errs = append(errs, fmt.Errorf("declaration %d (%s): nil handler", i, d.attr))
		}
		if slices.Contains(d.names, "") {
			errs = append(errs, fmt.Errorf("declaration %d (%s): empty event name", i, d.attr))
		}
		declared[d.attr] = true
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("sink: listeners: %w", errors.Join(errs...))
	}

	out := &Listeners{}
	for _, e := range base.Entries() {
		if !declared[e.Attr] {
			out.entries = append(out.entries, e)
		}
	}
	for _, d := range decls {
		if d.remove {
			continue
		}
		names := d.names
		if len(names) == 0 {
			names = []string{d.attr}
		}
		for _, n := range names {
			out.entries = append(out.entries, Listener{Event: n, Attr: d.attr, Handler: d.handler})
		}
	}
	return out, nil
}

// MustListeners is like [NewListeners] but panics on an invalid
// declaration. It is intended for package-level variables so that a broken
// table fails at program start.
func MustListeners(base *Listeners, decls ...Decl) *Listeners {
	l, err := NewListeners(base, decls...)
	if err != nil {
		panic(err)
	}
	return l
}

func typeOf[T any]() string {
	var p *T
	return fmt.Sprintf("%T", p)[1:]
}
