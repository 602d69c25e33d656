// Package recording records Discord voice channels to WAV files.
//
// A [Manager] owns at most one running recording. Starting a recording joins
// the voice channel through a [Platform], builds the sink graph that fills
// silence gaps, filters talkers, applies the volume and writes the WAV file,
// and persists the session and the talker activity to a [Store].
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/monitor"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

var (
	// ErrAlreadyActive is returned by [Manager.Start] while a recording runs.
	ErrAlreadyActive = errors.New("recording: a recording is already active")

	// ErrNotActive is returned by [Manager.Stop] when nothing is recorded.
	ErrNotActive = errors.New("recording: no active recording")

	// ErrInvalidVolume is returned by [Manager.SetVolume] for gains outside
	// [0, sink.MaxGain].
	ErrInvalidVolume = errors.New("recording: volume out of range")
)

const (
	// activityQueueSize bounds the activity entries waiting to be stored.
	activityQueueSize = 256

	// storeTimeout bounds a single store call made in the background.
	storeTimeout = 5 * time.Second
)

// Platform joins a voice channel and feeds what it receives into a sink
// graph. *discord.Platform satisfies it.
type Platform interface {
	Listen(ctx context.Context, channelID string, root sink.Sink) (audio.Session, error)
}

// Settings are the per-recording options. Changes made through
// [Manager.UpdateSettings] apply to the next recording.
type Settings struct {
	// OutputDir is the directory WAV files are written to. It is created
	// when missing.
	OutputDir string

	// MaxDuration stops writing audio this long after the first packet.
	// Zero records until Stop.
	MaxDuration time.Duration

	// Users restricts the recording to these user IDs. Empty records
	// everybody.
	Users []string

	// SilenceThreshold and SilenceInterval tune the silence generator. Zero
	// selects its defaults.
	SilenceThreshold time.Duration
	SilenceInterval  time.Duration
}

// SettingsFromConfig converts the recording section of the config.
func SettingsFromConfig(rc config.RecordingConfig) Settings {
	return Settings{
		OutputDir:        rc.OutputDir,
		MaxDuration:      rc.MaxDuration,
		Users:            slices.Clone(rc.Users),
		SilenceThreshold: rc.Silence.Threshold,
		SilenceInterval:  rc.Silence.Interval,
	}
}

// Info describes a running or finished recording.
type Info struct {
	SessionID string
	GuildID   string
	ChannelID string
	StartedBy string
	Path      string
	TraceID   string
	StartedAt time.Time

	// EndedAt is zero while the recording runs.
	EndedAt time.Time

	Volume      float64
	MaxDuration time.Duration
	Users       []string

	Stats Stats

	// Connected is the number of talkers currently in the channel.
	Connected int
}

// Duration returns how long the recording ran, or has run so far according
// to now.
func (i Info) Duration(now time.Time) time.Duration {
	end := i.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(i.StartedAt)
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Platform Platform

	// Store persists sessions. Defaults to a [MemStore].
	Store Store

	// Metrics is optional.
	Metrics *observe.Metrics

	// Hub receives the live event feed. Optional.
	Hub *monitor.Hub

	// Clock defaults to the system clock.
	Clock audio.Clock

	Settings Settings

	// Volume is the initial gain.
	Volume float64
}

// recording is the state of the running recording.
type recording struct {
	info     Info
	session  audio.Session
	graph    *graph
	stats    *tally
	activity *activityLog
	drained  chan struct{}
}

// Manager manages the lifecycle of recordings.
// Only one recording can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type Manager struct {
	platform Platform
	store    Store
	metrics  *observe.Metrics
	hub      *monitor.Hub
	clock    audio.Clock

	mu       sync.Mutex
	settings Settings
	volume   float64
	active   *recording
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		platform: cfg.Platform,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		hub:      cfg.Hub,
		clock:    cfg.Clock,
		settings: cfg.Settings,
		volume:   cfg.Volume,
	}
	if m.store == nil {
		m.store = NewMemStore()
	}
	if m.clock == nil {
		m.clock = audio.SystemClock{}
	}
	if m.settings.OutputDir == "" {
		m.settings.OutputDir = config.DefaultOutputDir
	}
	return m
}

// Store returns the store sessions are persisted to.
func (m *Manager) Store() Store { return m.store }

// Start joins channelID and starts recording it. startedBy is the user ID
// that requested the recording.
//
// Returns [ErrAlreadyActive] if a recording is running.
func (m *Manager) Start(ctx context.Context, channelID, startedBy string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return Info{}, fmt.Errorf("%w (id=%s)", ErrAlreadyActive, m.active.info.SessionID)
	}

	ctx, span := observe.StartSpan(ctx, "recording.start")
	defer span.End()

	s := m.settings
	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return Info{}, fmt.Errorf("recording: create output dir: %w", err)
	}

	now := m.clock.Now().UTC()
	sessionID := fmt.Sprintf("rec-%s-%s", channelID, now.Format("20060102T150405Z"))
	path := filepath.Join(s.OutputDir, sessionID+".wav")

	stats := newTally()
	activity := newActivityLog(activityQueueSize)

	g, err := m.buildGraph(sessionID, path, s, m.volume, stats, activity)
	if err != nil {
		return Info{}, fmt.Errorf("recording: build graph: %w", err)
	}

	session, err := m.platform.Listen(ctx, channelID, g.root)
	if err != nil {
		sink.Teardown(g.root)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("recording: remove unused file", "path", path, "err", rmErr)
		}
		return Info{}, fmt.Errorf("recording: join voice channel: %w", err)
	}

	info := Info{
		SessionID:   sessionID,
		GuildID:     session.GuildID(),
		ChannelID:   channelID,
		StartedBy:   startedBy,
		Path:        path,
		TraceID:     observe.CorrelationID(ctx),
		StartedAt:   now,
		Volume:      m.volume,
		MaxDuration: s.MaxDuration,
		Users:       slices.Clone(s.Users),
	}
	ctx = observe.WithRecording(ctx, observe.Recording{
		SessionID: sessionID,
		GuildID:   info.GuildID,
		ChannelID: channelID,
	})

	if err := m.store.CreateSession(ctx, Session{
		ID:        info.SessionID,
		GuildID:   info.GuildID,
		ChannelID: info.ChannelID,
		StartedBy: info.StartedBy,
		Path:      info.Path,
		TraceID:   info.TraceID,
		StartedAt: info.StartedAt,
	}); err != nil {
		observe.Logger(ctx).Warn("recording: store session failed; recording continues", "err", err)
	}

	rec := &recording{
		info:     info,
		session:  session,
		graph:    g,
		stats:    stats,
		activity: activity,
		drained:  make(chan struct{}),
	}
	go m.persistActivity(rec)
	m.active = rec

	if m.metrics != nil {
		m.metrics.ActiveRecordings.Add(ctx, 1)
	}
	m.publish(monitor.TypeRecordingStarted, info)

	observe.Logger(ctx).Info("recording started",
		"channel_id", channelID,
		"started_by", startedBy,
		"path", path,
		"users", len(s.Users),
		"max_duration", s.MaxDuration,
	)

	return info, nil
}

// Stop ends the active recording. It leaves the voice channel, finalises
// the WAV file and stores the session statistics.
//
// Returns [ErrNotActive] if no recording is running.
func (m *Manager) Stop(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.active
	if rec == nil {
		return Info{}, ErrNotActive
	}
	m.active = nil
	id := rec.info.SessionID

	ctx, span := observe.StartSpan(ctx, "recording.stop")
	defer span.End()
	ctx = observe.WithRecording(ctx, observe.Recording{
		SessionID: id,
		GuildID:   rec.info.GuildID,
		ChannelID: rec.info.ChannelID,
	})
	log := observe.Logger(ctx)

	// No Write or event reaches the graph once Disconnect has returned.
	if err := rec.session.Disconnect(); err != nil {
		log.Warn("recording: voice disconnect error", "err", err)
	}
	sink.Teardown(rec.graph.root)

	rec.activity.close()
	<-rec.drained

	info := rec.info
	info.EndedAt = m.clock.Now().UTC()
	info.Stats = rec.stats.snapshot()
	info.Volume = rec.graph.volume.Volume()

	if err := m.store.FinishSession(ctx, id, info.EndedAt, info.Stats); err != nil {
		log.Warn("recording: store final stats failed", "err", err)
	}

	if m.metrics != nil {
		m.metrics.ActiveRecordings.Add(ctx, -1)
		if n := rec.stats.connected(); n > 0 {
			m.metrics.ActiveTalkers.Add(ctx, -int64(n))
		}
		m.metrics.RecordingDuration.Record(ctx, info.Duration(info.EndedAt).Seconds())
	}
	m.publish(monitor.TypeRecordingStopped, info)

	log.Info("recording stopped",
		"path", info.Path,
		"duration", info.Duration(info.EndedAt),
		"packets", info.Stats.Packets,
		"fillers", info.Stats.Fillers,
		"talkers", info.Stats.Talkers,
	)

	return info, nil
}

// Close stops the active recording, if any. It is meant for shutdown.
func (m *Manager) Close(ctx context.Context) error {
	if _, err := m.Stop(ctx); err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}
	return nil
}

// SetVolume changes the gain of the running recording and of future ones.
func (m *Manager) SetVolume(v float64) error {
	if v < 0 || v > sink.MaxGain || math.IsNaN(v) {
		return fmt.Errorf("%w: %.2f not in [0, %.1f]", ErrInvalidVolume, v, sink.MaxGain)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volume = v
	if m.active != nil {
		m.active.graph.volume.SetVolume(v)
		m.active.info.Volume = v
	}
	slog.Info("recording: volume changed", "volume", v, "live", m.active != nil)
	return nil
}

// Volume returns the gain applied to recordings.
func (m *Manager) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// UpdateSettings replaces the settings used by the next recording.
func (m *Manager) UpdateSettings(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.OutputDir == "" {
		s.OutputDir = config.DefaultOutputDir
	}
	m.settings = s
}

// Settings returns the settings used by the next recording.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// IsActive reports whether a recording is running.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Info returns the running recording with its live statistics.
// Returns the zero value if no recording is active.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Info{}
	}
	info := m.active.info
	info.Stats = m.active.stats.snapshot()
	info.Connected = m.active.stats.connected()
	return info
}

// History returns the most recent recordings from the store.
func (m *Manager) History(ctx context.Context, limit int) ([]Session, error) {
	return m.store.ListSessions(ctx, limit)
}

// persistActivity writes queued activity entries until the log is closed.
func (m *Manager) persistActivity(rec *recording) {
	defer close(rec.drained)
	for a := range rec.activity.ch {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := m.store.RecordActivity(ctx, a)
		cancel()
		if err != nil {
			slog.Warn("recording: store activity failed", "session_id", a.SessionID, "kind", a.Kind, "err", err)
		}
	}
}

func (m *Manager) publish(typ string, info Info) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(monitor.Message{
		Type:      typ,
		SessionID: info.SessionID,
		GuildID:   info.GuildID,
		ChannelID: info.ChannelID,
		UserID:    info.StartedBy,
		Detail:    info.Path,
		Time:      m.clock.Now().UTC(),
	})
}
