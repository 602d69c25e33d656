package recording

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNotFound is returned by [Store] lookups for unknown session IDs.
var ErrNotFound = errors.New("recording: session not found")

// ActivityKind classifies a talker activity entry.
type ActivityKind string

const (
	ActivityConnect       ActivityKind = "connect"
	ActivityDisconnect    ActivityKind = "disconnect"
	ActivitySpeakingStart ActivityKind = "speaking_start"
	ActivitySpeakingStop  ActivityKind = "speaking_stop"
)

// Session is the persisted record of one recording.
type Session struct {
	ID        string
	GuildID   string
	ChannelID string

	// StartedBy is the Discord user ID that started the recording.
	StartedBy string

	// Path is the WAV file the recording was written to.
	Path string

	// TraceID correlates the session with log lines and spans.
	TraceID string

	StartedAt time.Time

	// EndedAt is zero while the recording is running.
	EndedAt time.Time

	Stats Stats
}

// Stats summarises what a recording received.
type Stats struct {
	// Packets counts all units delivered to the recorder, fillers included.
	Packets int64

	// Fillers counts synthetic silence units.
	Fillers int64

	// Bytes counts PCM bytes handed to the WAV writer.
	Bytes int64

	// Talkers counts distinct users seen during the recording.
	Talkers int
}

// Activity is one talker event observed during a recording.
type Activity struct {
	SessionID string
	UserID    string
	Username  string
	SSRC      uint32
	Kind      ActivityKind
	At        time.Time
}

// Store persists recording sessions and talker activity.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession inserts a new running session.
	CreateSession(ctx context.Context, s Session) error

	// FinishSession marks the session ended and stores its final stats.
	FinishSession(ctx context.Context, id string, endedAt time.Time, stats Stats) error

	// RecordActivity appends one activity entry.
	RecordActivity(ctx context.Context, a Activity) error

	// GetSession returns the session with the given ID or [ErrNotFound].
	GetSession(ctx context.Context, id string) (Session, error)

	// ListSessions returns the most recently started sessions first. A
	// non-positive limit returns all of them.
	ListSessions(ctx context.Context, limit int) ([]Session, error)

	// ListActivity returns the activity of a session in chronological order.
	ListActivity(ctx context.Context, sessionID string) ([]Activity, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store] used when no database is configured.
// Its contents are lost on restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	activity map[string][]Activity
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		activity: make(map[string][]Activity),
	}
}

// CreateSession implements [Store].
func (m *MemStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errors.New("recording: session " + s.ID + " already exists")
	}
	m.sessions[s.ID] = s
	return nil
}

// FinishSession implements [Store].
func (m *MemStore) FinishSession(_ context.Context, id string, endedAt time.Time, stats Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.EndedAt = endedAt
	s.Stats = stats
	m.sessions[id] = s
	return nil
}

// RecordActivity implements [Store].
func (m *MemStore) RecordActivity(_ context.Context, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[a.SessionID]; !ok {
		return ErrNotFound
	}
	m.activity[a.SessionID] = append(m.activity[a.SessionID], a)
	return nil
}

// GetSession implements [Store].
func (m *MemStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// ListSessions implements [Store].
func (m *MemStore) ListSessions(_ context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActivity implements [Store].
func (m *MemStore) ListActivity(_ context.Context, sessionID string) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.activity[sessionID])
	slices.SortStableFunc(out, func(a, b Activity) int { return a.At.Compare(b.At) })
	if out == nil {
		out = []Activity{}
	}
	return out, nil
}

// Ping implements [Store]. A MemStore is always reachable.
func (m *MemStore) Ping(context.Context) error { return nil }
