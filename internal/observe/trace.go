package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/earshot"

// Span attribute keys shared by every recording span.
const (
	AttrSessionID = attribute.Key("earshot.session_id")
	AttrGuildID   = attribute.Key("earshot.guild_id")
	AttrChannelID = attribute.Key("earshot.channel_id")
)

// StartSpan starts a span on the global tracer provider. The caller must
// end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Recording identifies the voice recording a context belongs to.
type Recording struct {
	SessionID string
	GuildID   string
	ChannelID string
}

// Attributes returns the non-empty fields of r as span attributes.
func (r Recording) Attributes() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if r.SessionID != "" {
		kv = append(kv, AttrSessionID.String(r.SessionID))
	}
	if r.GuildID != "" {
		kv = append(kv, AttrGuildID.String(r.GuildID))
	}
	if r.ChannelID != "" {
		kv = append(kv, AttrChannelID.String(r.ChannelID))
	}
	return kv
}

type recordingKey struct{}

// WithRecording returns a copy of ctx tagged with r. [Logger] adds the tag
// to every line, and the active span, if any, receives r's attributes.
func WithRecording(ctx context.Context, r Recording) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(r.Attributes()...)
	return context.WithValue(ctx, recordingKey{}, r)
}

// RecordingFrom returns the recording ctx was tagged with by [WithRecording].
func RecordingFrom(ctx context.Context) (Recording, bool) {
	r, ok := ctx.Value(recordingKey{}).(Recording)
	return r, ok
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" when
// there is none. Sessions persist it so a stored row can be matched to its
// log lines.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the trace and recording of ctx
// attached.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r, ok := RecordingFrom(ctx); ok {
		if r.SessionID != "" {
			attrs = append(attrs, slog.String("session_id", r.SessionID))
		}
		if r.GuildID != "" {
			attrs = append(attrs, slog.String("guild_id", r.GuildID))
		}
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
