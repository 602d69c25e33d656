package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// routed returns a mux with the routes earshot serves, wrapped in the
// middleware, plus the telemetry it records to.
func routed(t *testing.T, quiet ...string) (http.Handler, func() metricdata.ResourceMetrics, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	spans := useTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /recordings/{id}", func(w http.ResponseWriter, r *http.Request) {
		if CorrelationID(r.Context()) == "" {
			t.Error("handler context carries no trace")
		}
		w.WriteHeader(http.StatusOK)
	})

	return Middleware(m, quiet...)(mux), func() metricdata.ResourceMetrics { return collect(t, reader) }, spans
}

func get(h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ─── Tracing ─────────────────────────────────────────────────────────────────

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	h, _, spans := routed(t)

	rec := get(h, "/recordings/rec-c1-20250101T000000Z")

	got := spans.GetSpans()
	if len(got) != 1 {
		t.Fatalf("spans = %d, want 1", len(got))
	}
	if got[0].Name != "GET /recordings/{id}" {
		t.Errorf("span name = %q", got[0].Name)
	}

	attrs := attribute.NewSet(got[0].Attributes...)
	if v, _ := attrs.Value("http.route"); v.AsString() != "GET /recordings/{id}" {
		t.Errorf("http.route = %q", v.AsString())
	}
	if v, _ := attrs.Value("http.response.status_code"); v.AsInt64() != http.StatusOK {
		t.Errorf("status attribute = %d", v.AsInt64())
	}

	if id := rec.Header().Get(CorrelationHeader); id != got[0].SpanContext.TraceID().String() {
		t.Errorf("%s = %q, want span trace ID", CorrelationHeader, id)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, _ := routed(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := get(h, "/recordings/x", "traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
	if tp := rec.Header().Get("traceparent"); tp == "" {
		t.Error("traceparent not injected into the response")
	}
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

func TestMiddleware_RecordsLatencyByRoute(t *testing.T) {
	h, collectMetrics, _ := routed(t)

	get(h, "/recordings/a")
	get(h, "/recordings/b")
	get(h, "/readyz")
	if rec := get(h, "/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path = %d", rec.Code)
	}

	met := findMetric(collectMetrics(), "earshot.http.request.duration")
	if met == nil {
		t.Fatal("earshot.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data = %T, want float64 histogram", met.Data)
	}

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}

	want := map[string]uint64{
		"GET /recordings/{id} 200": 2,
		"GET /readyz 503":          1,
		unmatchedRoute + " 404":    1,
	}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("count[%s] = %d, want %d (all: %v)", k, counts[k], n, counts)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("unexpected series: %v", counts)
	}
}

// ─── Logging ─────────────────────────────────────────────────────────────────

func TestMiddleware_QuietRoutesLogAtDebug(t *testing.T) {
	h, _, _ := routed(t, "GET /readyz")
	last := captureLog(t)

	get(h, "/recordings/a")
	line := last()
	if line["level"] != "INFO" || line["route"] != "GET /recordings/{id}" {
		t.Errorf("recording request log = %v", line)
	}
	if line["trace_id"] == nil {
		t.Error("request log without trace_id")
	}

	// The default handler drops debug records.
	get(h, "/readyz")
	if again := last(); again["route"] != line["route"] {
		t.Errorf("quiet route was logged at info: %v", again)
	}
}

// ─── responseRecorder ────────────────────────────────────────────────────────

func TestResponseRecorder_HijackUnsupported(t *testing.T) {
	t.Parallel()

	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("hijacking a recorder should fail")
	}
	if rec.status != http.StatusOK || rec.upgraded {
		t.Errorf("failed hijack changed state: %+v", rec)
	}
	if _, ok := rec.Unwrap().(*httptest.ResponseRecorder); !ok {
		t.Errorf("Unwrap = %T", rec.Unwrap())
	}
}

func TestResponseRecorder_Upgrade(t *testing.T) {
	m, _ := newTestMetrics(t)
	useTracer(t)
	last := captureLog(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		conn.Close()
	}))
	done := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer once.Do(func() { close(done) })
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/ws/events", nil)
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}

	line := last()
	if line["msg"] != "websocket closed" {
		t.Errorf("msg = %v, want websocket closed", line["msg"])
	}
	if line["status"] != float64(http.StatusSwitchingProtocols) {
		t.Errorf("status = %v, want 101", line["status"])
	}
}
