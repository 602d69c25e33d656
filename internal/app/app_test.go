package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/monitor"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/recording"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
)

// testConfig returns a minimal config recording into a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
			LogFormat:  config.LogFormatText,
		},
		Recording: config.RecordingConfig{
			OutputDir: t.TempDir(),
		},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newApp builds an App with a mock platform and an in-memory store and
// registers its shutdown as cleanup.
func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *audiomock.Platform, *recording.MemStore) {
	t.Helper()
	platform := &audiomock.Platform{ListenResult: &audiomock.Connection{Guild: "g1", Channel: "c1"}}
	store := recording.NewMemStore()
	opts = append([]app.Option{
		app.WithPlatform(platform),
		app.WithStore(store),
		app.WithMetrics(testMetrics(t)),
	}, opts...)

	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, platform, store
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Recording.Volume = new(1.5)
	a, _, _ := newApp(t, cfg)

	if a.Recorder() == nil {
		t.Fatal("Recorder() is nil")
	}
	if a.Hub() == nil {
		t.Fatal("Hub() is nil")
	}
	if got := a.Recorder().Volume(); got != 1.5 {
		t.Errorf("Volume() = %v, want 1.5", got)
	}
	if got := a.Recorder().Settings().OutputDir; got != cfg.Recording.OutputDir {
		t.Errorf("OutputDir = %q, want %q", got, cfg.Recording.OutputDir)
	}
}

func TestNew_WithoutDiscord(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg,
		app.WithStore(recording.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	_, err = a.Recorder().Start(context.Background(), "c1", "u1")
	if !errors.Is(err, app.ErrNoPlatform) {
		t.Fatalf("Start() error = %v, want ErrNoPlatform", err)
	}
}

func TestNew_BadConfigPath(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t),
		app.WithPlatform(&audiomock.Platform{}),
		app.WithStore(recording.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
		app.WithConfigWatch(filepath.Join(t.TempDir(), "missing.yaml"), 0),
	)
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	a, _, _ := newApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		want int
	}{
		{path: "/healthz", want: http.StatusOK},
		{path: "/readyz", want: http.StatusOK},
		{path: "/metrics", want: http.StatusOK},
		{path: "/nope", want: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tc.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("GET %s status = %d, want %d", tc.path, resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHandler_ReadyzFailsWithoutOutputDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Recording.OutputDir = filepath.Join(cfg.Recording.OutputDir, "not-created-yet")
	a, _, _ := newApp(t, cfg)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "output_dir") {
		t.Errorf("body %q does not name the failing check", rec.Body.String())
	}
}

func TestEventFeed(t *testing.T) {
	t.Parallel()

	a, _, _ := newApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	for a.Hub().Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	info, err := a.Recorder().Start(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var msg monitor.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Type != monitor.TypeRecordingStarted {
		t.Errorf("Type = %q, want %q", msg.Type, monitor.TypeRecordingStarted)
	}
	if msg.SessionID != info.SessionID {
		t.Errorf("SessionID = %q, want %q", msg.SessionID, info.SessionID)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_ServesUntilCancelled(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a, _, _ := newApp(t, testConfig(t), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.ListenAddr = "not-an-address"
	a, _, _ := newApp(t, cfg)

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown_FinishesRecording(t *testing.T) {
	t.Parallel()

	a, platform, store := newApp(t, testConfig(t))
	info, err := a.Recorder().Start(context.Background(), "c1", "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Recorder().IsActive() {
		t.Error("recording still active after Shutdown")
	}
	if got := platform.ListenResult.Disconnects(); got != 1 {
		t.Errorf("Disconnect calls = %d, want 1", got)
	}
	sess, err := store.GetSession(context.Background(), info.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.EndedAt.IsZero() {
		t.Error("session not finished")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, _, _ := newApp(t, testConfig(t))
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	t.Parallel()

	a, _, _ := newApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() = %v, want context.Canceled", err)
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

func TestConfigWatch_AppliesChanges(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	writeConfig := func(body string, mtime time.Time) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}
	start := time.Now().Add(-time.Minute)
	writeConfig("server:\n  log_level: info\nrecording:\n  output_dir: "+cfg.Recording.OutputDir+"\n", start)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	level := new(slog.LevelVar)
	a, _, _ := newApp(t, cfg,
		app.WithLogLevel(level),
		app.WithListener(ln),
		app.WithConfigWatch(path, 10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor := func(what string, ok func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !ok() {
			if time.Now().After(deadline) {
				t.Fatalf("%s not applied: level=%s volume=%v", what, level.Level(), a.Recorder().Volume())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	writeConfig("server:\n  log_level: debug\nrecording:\n  output_dir: "+cfg.Recording.OutputDir+"\n  volume: 0.5\n", start.Add(30*time.Second))
	waitFor("polled reload", func() bool {
		return level.Level() == slog.LevelDebug && a.Recorder().Volume() == 0.5
	})

	// An edit that keeps the mtime is only seen through Reload.
	writeConfig("server:\n  log_level: warn\nrecording:\n  output_dir: "+cfg.Recording.OutputDir+"\n  volume: 0.5\n", start.Add(30*time.Second))
	a.Reload()
	waitFor("forced reload", func() bool { return level.Level() == slog.LevelWarn })
}

func TestReload_WithoutWatcher(t *testing.T) {
	t.Parallel()

	a, _, _ := newApp(t, testConfig(t))
	a.Reload()
}

// ─── Level ───────────────────────────────────────────────────────────────────

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tc := range tests {
		if got := app.Level(tc.in).String(); got != tc.want {
			t.Errorf("Level(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
