package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// restoreGlobals puts the global providers back after a test installs its own.
func restoreGlobals(t *testing.T) {
	t.Helper()
	mp, tp := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
	})
}

func TestInitProvider_ExportsSpansAndMetrics(t *testing.T) {
	restoreGlobals(t)

	reg := prometheus.NewRegistry()
	spans := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		SampleRatio:    1,
		Registerer:     reg,
		SpanExporter:   spans,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "recording.start")
	span.End()

	counter, err := otel.Meter("earshot-test").Int64Counter("earshot.test.starts")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(ctx, 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "earshot_test_starts") {
			found = true
		}
	}
	if !found {
		t.Errorf("counter not registered with the injected registry")
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got := spans.GetSpans()
	if len(got) != 1 || got[0].Name != "recording.start" {
		t.Fatalf("exported spans = %v, want one recording.start", got)
	}

	var service string
	for _, kv := range got[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "earshot" {
		t.Errorf("service.name = %q, want earshot", service)
	}
}

// The service attributes share a schema with the SDK's built-in detectors;
// a mismatch makes resource detection fail at startup.
func TestInitProvider_ResourceFromEnv(t *testing.T) {
	restoreGlobals(t)
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment.name=staging")

	spans := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "1.2.3",
		SampleRatio:    1,
		Registerer:     prometheus.NewRegistry(),
		SpanExporter:   spans,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	_, span := StartSpan(context.Background(), "recording.stop")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := spans.GetSpans()
	if len(got) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(got))
	}
	res := got[0].Resource
	if res.SchemaURL() != semconv.SchemaURL {
		t.Errorf("schema URL = %q, want %q", res.SchemaURL(), semconv.SchemaURL)
	}
	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	for key, want := range map[string]string{
		"service.name":                "earshot",
		"service.version":             "1.2.3",
		"deployment.environment.name": "staging",
		"telemetry.sdk.language":      "go",
	} {
		if attrs[key] != want {
			t.Errorf("%s = %q, want %q", key, attrs[key], want)
		}
	}
}

func TestInitProvider_ZeroRatioDropsRootSpans(t *testing.T) {
	restoreGlobals(t)

	spans := tracetest.NewInMemoryExporter()
	tel, err := InitProvider(context.Background(), ProviderConfig{
		Registerer:   prometheus.NewRegistry(),
		SpanExporter: spans,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "recording.start")
	span.End()
	if id := CorrelationID(ctx); id == "" {
		t.Error("unsampled spans still carry a trace ID")
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := len(spans.GetSpans()); n != 0 {
		t.Errorf("exported spans = %d, want 0", n)
	}
}

func TestInitProvider_RejectsBadRatio(t *testing.T) {
	t.Parallel()

	for _, r := range []float64{-0.1, 1.1} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: r}); err == nil {
			t.Errorf("SampleRatio %v: expected error", r)
		}
	}
}
