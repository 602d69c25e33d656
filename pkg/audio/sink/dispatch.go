package sink

import (
	"errors"
	"fmt"
	"log/slog"
)

// Dispatcher delivers protocol events to every node of a sink graph.
//
// The zero value is ready to use.
type Dispatcher struct {
	// OnFailure, if set, is called for every failed handler invocation right
	// after it happens, before the walk continues.
	OnFailure func(*HandlerError)
}

var defaultDispatcher Dispatcher

// Dispatch delivers ev to the graph rooted at root using a zero
// [Dispatcher].
func Dispatch(root Sink, ev Event) error {
	return defaultDispatcher.Dispatch(root, ev)
}

// Dispatch walks root and all its descendants (parents before children,
// siblings in order) and invokes, on each node, every listener of the node's
// type registered for ev's name.
//
// Each invocation is isolated: an error or panic is recorded and the walk
// goes on. When at least one listener failed, Dispatch returns a
// [*DispatchError] after the walk completes.
func (d *Dispatcher) Dispatch(root Sink, ev Event) error {
	if ev == nil {
		return errors.New("sink: dispatch: nil event")
	}
	name := ev.EventName()

	var failures []*HandlerError
	for node := range Walk(root) {
		for _, l := range node.Listeners().entries {
			if l.Event != name {
				continue
			}
			if herr := invoke(node, l, ev); herr != nil {
				slog.Warn("sink: listener failed",
					"event", name,
					"sink", herr.Sink,
					"listener", herr.Attr,
					"panicked", herr.Panicked,
					"err", herr.Err,
				)
				if d.OnFailure != nil {
					d.OnFailure(herr)
				}
				failures = append(failures, herr)
			}
		}
	}

	if len(failures) > 0 {
		return &DispatchError{Event: name, Failures: failures}
	}
	return nil
}

// invoke runs one listener, converting a panic into a [*HandlerError].
func invoke(node Sink, l Listener, ev Event) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{
				Sink:     typeName(node),
				Event:    l.Event,
				Attr:     l.Attr,
				Panicked: true,
				Err:      fmt.Errorf("panic: %v", r),
			}
		}
	}()
	if err := l.Handler(node, ev); err != nil {
		return &HandlerError{Sink: typeName(node), Event: l.Event, Attr: l.Attr, Err: err}
	}
	return nil
}
