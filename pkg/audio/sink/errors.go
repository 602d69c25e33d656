package sink

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration is matched by every [*ConfigurationError] via [errors.Is].
var ErrConfiguration = errors.New("sink: invalid configuration")

// ConfigurationError reports an invalid graph assembly: an incompatible data
// format between a node and its destination, a missing destination, or an
// illegal edge (re-parenting, cycles). It is only ever returned while a graph
// is being built, never from Write.
type ConfigurationError struct {
	// Sink is the type name of the node being constructed.
	Sink string

	// Reason describes what is wrong.
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sink: %s: %s", e.Sink, e.Reason)
}

// Is makes every ConfigurationError match [ErrConfiguration].
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErr(s any, format string, args ...any) error {
	return &ConfigurationError{Sink: typeName(s), Reason: fmt.Sprintf(format, args...)}
}

// ResourceError reports a failure to open or close the stream a sink writes
// to. Open failures are returned by constructors; close failures are logged
// and suppressed by Cleanup.
type ResourceError struct {
	// Op is the failed operation, e.g. "open" or "close".
	Op string

	// Path is the file path involved, if any.
	Path string

	Err error
}

func (e *ResourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sink: %s %q: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("sink: %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// HandlerError is the failure of a single listener invocation during
// dispatch.
type HandlerError struct {
	// Sink is the type name of the node whose listener failed.
	Sink string

	// Event is the dispatched event name.
	Event string

	// Attr is the attribute identity of the failed listener.
	Attr string

	// Panicked is true when the handler panicked instead of returning.
	Panicked bool

	Err error
}

func (e *HandlerError) Error() string {
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}
	return fmt.Sprintf("%s.%s %s on %q: %v", e.Sink, e.Attr, verb, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DispatchError aggregates every handler failure of one dispatch walk. The
// walk always completes; the error is reported afterwards.
type DispatchError struct {
	Event    string
	Failures []*HandlerError
}

func (e *DispatchError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("sink: dispatch %q: %d listener(s) failed: %s",
		e.Event, len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual handler failures to [errors.Is] and
// [errors.As].
func (e *DispatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// typeName returns a short type name like "*sink.VolumeSink".
func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", v)
}
