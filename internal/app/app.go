// Package app wires all earshot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithPlatform, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/discord"
	"github.com/MrWong99/earshot/internal/discord/commands"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/monitor"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/recording"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
	discordaudio "github.com/MrWong99/earshot/pkg/audio/discord"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

const (
	// dashboardInterval is the refresh period of the Discord status embed.
	dashboardInterval = 10 * time.Second

	// readHeaderTimeout bounds how long a client may take to send headers.
	readHeaderTimeout = 10 * time.Second

	storeBreakerThreshold = 5
	storeBreakerCooldown  = 30 * time.Second
)

// ErrNoPlatform is returned by recording operations when Discord is not
// configured.
var ErrNoPlatform = errors.New("app: no voice platform: discord.token is not set")

// App owns all subsystem lifetimes of the earshot recorder.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	store    recording.Store
	hub      *monitor.Hub
	platform recording.Platform
	bot      *discord.Bot
	recorder *recording.Manager
	commands *commands.RecordCommands
	health   *health.Handler
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	// Hot reload.
	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher
	level         *slog.LevelVar

	clock audio.Clock

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s recording.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPlatform injects a voice platform instead of connecting the Discord
// bot. No bot is created when a platform is injected.
func WithPlatform(p recording.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock injects the clock recordings are timed with.
func WithClock(c audio.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithListener makes Run serve HTTP on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogLevel hands the app the level variable of the process logger so
// that log level changes in the config file take effect without a restart.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch enables hot reload of the config file at path, polled
// every interval. A zero interval selects the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection and
// migration, Discord login, command registration with the router, and HTTP
// handler assembly. Nothing is served until Run is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	a.hub = monitor.NewHub(monitor.WithMetrics(a.metrics))
	a.closers = append(a.closers, func(context.Context) error {
		a.hub.Close()
		return nil
	})

	if err := a.initPlatform(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, err
	}

	a.recorder = recording.NewManager(recording.ManagerConfig{
		Platform: a.platform,
		Store:    a.store,
		Metrics:  a.metrics,
		Hub:      a.hub,
		Clock:    a.clock,
		Settings: recording.SettingsFromConfig(cfg.Recording),
		Volume:   cfg.Recording.Gain(),
	})
	// Stop the running recording before the hub and store go away.
	a.closers = append([]func(context.Context) error{a.recorder.Close}, a.closers...)

	if a.bot != nil {
		a.commands = commands.NewRecordCommands(commands.RecordConfig{
			Recorder:          a.recorder,
			Perms:             a.bot.Permissions(),
			VoiceChannel:      a.bot.VoiceChannel,
			Sender:            a.bot.Session(),
			DashboardInterval: dashboardInterval,
		})
		router := a.bot.Router()
		router.OnHandled(func(route, outcome string, elapsed time.Duration) {
			a.metrics.RecordInteraction(context.Background(), route, outcome)
			slog.Debug("discord interaction handled", "route", route, "outcome", outcome, "duration", elapsed)
		})
		a.commands.Register(router)
		a.closers = append([]func(context.Context) error{func(context.Context) error {
			a.commands.Close()
			return nil
		}}, a.closers...)
	}

	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.applyConfig, wopts...)
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	a.health = health.New(a.checkers()...)
	a.handler = a.buildHandler()

	slog.Info("app initialised",
		"store", fmt.Sprintf("%T", a.store),
		"discord", a.bot != nil,
		"output_dir", a.recorder.Settings().OutputDir,
	)
	return a, nil
}

// initStore connects to PostgreSQL when a DSN is configured and falls back
// to an in-memory store otherwise. Writes to PostgreSQL go through a circuit
// breaker.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Store.PostgresDSN == "" {
		a.store = recording.NewMemStore()
		return nil
	}
	pg, err := recording.NewPostgresStore(ctx, a.cfg.Store.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.store = recording.NewGuardedStore(pg, resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "postgres",
		Threshold: storeBreakerThreshold,
		Cooldown:  storeBreakerCooldown,
	}))
	a.closers = append(a.closers, func(context.Context) error {
		pg.Close()
		return nil
	})
	return nil
}

// initPlatform logs the bot in when a token is configured. Voice
// connections report decode failures and event deliveries to the metrics.
func (a *App) initPlatform(ctx context.Context) error {
	if a.platform != nil {
		return nil
	}
	if a.cfg.Discord.Token == "" {
		a.platform = unavailablePlatform{}
		return nil
	}

	guild := a.cfg.Discord.GuildID
	bot, err := discord.New(ctx, discord.Config{
		Token:          a.cfg.Discord.Token,
		GuildID:        guild,
		RecorderRoleID: a.cfg.Discord.RecorderRoleID,
	},
		discordaudio.WithDecodeErrorHook(func(uint32, error) {
			a.metrics.RecordDecodeError(context.Background(), guild)
		}),
		discordaudio.WithDispatchHook(func(ev sink.Event, err error) {
			a.metrics.RecordDispatch(context.Background(), ev.EventName(), err)
		}),
	)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.bot = bot
	a.platform = bot.Platform()
	a.closers = append(a.closers, func(context.Context) error { return bot.Close() })
	slog.Info("discord bot connected", "guild_id", guild)
	return nil
}

// checkers returns the readiness checks of the configured subsystems.
func (a *App) checkers() []health.Checker {
	checks := []health.Checker{
		health.Optional(health.Ping("store", a.store)),
		health.WritableDir("output_dir", a.recorder.Settings().OutputDir),
	}
	if a.bot != nil {
		checks = append(checks, health.Ready("discord", a.bot.Ready, "gateway not connected"))
	}
	return checks
}

// buildHandler assembles the HTTP routes behind the observability middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws/events", a.hub)
	return observe.Middleware(a.metrics, "GET /healthz", "GET /readyz", "GET /metrics")(mux)
}

// Recorder returns the recording manager.
func (a *App) Recorder() *recording.Manager { return a.recorder }

// Hub returns the live event feed.
func (a *App) Hub() *monitor.Hub { return a.hub }

// Handler returns the HTTP handler serving health, metrics and the event
// feed.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, runs the Discord bot and the config watcher, and blocks
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		// Websocket subscribers only leave once the hub is closed.
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), readHeaderTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.bot != nil {
		g.Go(func() error {
			err := a.bot.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload makes a running config watcher re-read its file now. It does
// nothing when the app was built without [WithConfigWatch].
func (a *App) Reload() {
	if a.watcher == nil {
		slog.Warn("reload requested but no config file is watched")
		return
	}
	a.watcher.Reload()
}

// applyConfig applies the hot-reloadable parts of a changed config file.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(Level(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.VolumeChanged {
		if err := a.recorder.SetVolume(d.NewVolume); err != nil {
			slog.Warn("config reload: volume rejected", "volume", d.NewVolume, "err", err)
		} else {
			slog.Info("config reload: volume changed", "volume", d.NewVolume)
		}
	}
	if d.RecordingChanged {
		a.recorder.UpdateSettings(recording.SettingsFromConfig(new.Recording))
		slog.Info("config reload: recording settings apply to the next recording")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes require a restart", "keys", d.RestartRequired)
	}
}

// Level converts a config log level to its slog equivalent. Unknown levels
// map to info.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the running recording is
// finalised first, then the bot, the event feed, and the store. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// unavailablePlatform backs the recorder when Discord is not configured.
type unavailablePlatform struct{}

func (unavailablePlatform) Listen(context.Context, string, sink.Sink) (audio.Session, error) {
	return nil, ErrNoPlatform
}
