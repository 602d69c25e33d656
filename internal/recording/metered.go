package recording

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/sink"
)

var _ sink.Sink = (*meteredSink)(nil)

// tally accumulates the live statistics of one recording.
type tally struct {
	packets atomic.Int64
	fillers atomic.Int64
	bytes   atomic.Int64

	mu      sync.Mutex
	present map[string]struct{}
	seen    map[string]struct{}
}

func newTally() *tally {
	return &tally{
		present: make(map[string]struct{}),
		seen:    make(map[string]struct{}),
	}
}

// join marks userID as connected and reports whether it was not already.
func (t *tally) join(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[userID] = struct{}{}
	if _, ok := t.present[userID]; ok {
		return false
	}
	t.present[userID] = struct{}{}
	return true
}

// leave marks userID as gone and reports whether it was connected.
func (t *tally) leave(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.present[userID]; !ok {
		return false
	}
	delete(t.present, userID)
	return true
}

func (t *tally) connected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.present)
}

func (t *tally) snapshot() Stats {
	t.mu.Lock()
	talkers := len(t.seen)
	t.mu.Unlock()
	return Stats{
		Packets: t.packets.Load(),
		Fillers: t.fillers.Load(),
		Bytes:   t.bytes.Load(),
		Talkers: talkers,
	}
}

// activityLog queues activity entries for asynchronous persistence so that
// store latency never reaches the packet delivery goroutine.
type activityLog struct {
	mu     sync.Mutex
	ch     chan Activity
	closed bool
}

func newActivityLog(size int) *activityLog {
	return &activityLog{ch: make(chan Activity, size)}
}

func (l *activityLog) add(a Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- a:
	default:
		slog.Warn("recording: activity queue full, dropping entry", "session_id", a.SessionID, "kind", a.Kind)
	}
}

func (l *activityLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// meteredSink counts what reaches the recorder and turns talker events into
// metrics and activity entries. Voice data is forwarded to dst unchanged.
type meteredSink struct {
	sink.Base

	dst       sink.Sink
	sessionID string
	stats     *tally
	activity  *activityLog
	metrics   *observe.Metrics
	clock     audio.Clock
}

func newMeteredSink(dst sink.Sink, sessionID string, stats *tally, activity *activityLog, metrics *observe.Metrics, clock audio.Clock) (*meteredSink, error) {
	s := &meteredSink{
		dst:       dst,
		sessionID: sessionID,
		stats:     stats,
		activity:  activity,
		metrics:   metrics,
		clock:     clock,
	}
	if err := s.Attach(s, dst); err != nil {
		return nil, err
	}
	return s, nil
}

// WantsOpus implements [sink.Sink].
func (s *meteredSink) WantsOpus() bool { return s.dst.WantsOpus() }

// Write implements [sink.Sink].
func (s *meteredSink) Write(talker *audio.Talker, data *audio.VoiceData) {
	if data != nil {
		synthetic := data.Packet != nil && data.Packet.Synthetic
		s.stats.packets.Add(1)
		if synthetic {
			s.stats.fillers.Add(1)
		}
		s.stats.bytes.Add(int64(len(data.PCM)))
		if s.metrics != nil {
			ctx := context.Background()
			s.metrics.RecordPacket(ctx, s.guildID(), synthetic)
			s.metrics.BytesWritten.Add(ctx, int64(len(data.PCM)))
		}
	}
	s.dst.Write(talker, data)
}

// Cleanup implements [sink.Sink].
func (s *meteredSink) Cleanup() {}

// Listeners implements [sink.Sink].
func (s *meteredSink) Listeners() *sink.Listeners { return meteredListeners }

// OnSpeaking records a talker starting or stopping to transmit.
func (s *meteredSink) OnSpeaking(ev sink.SpeakingUpdate) error {
	kind := ActivitySpeakingStop
	if ev.Speaking {
		kind = ActivitySpeakingStart
	}
	s.log(kind, ev.Talker, ev.SSRC)
	return nil
}

// OnConnect records a talker becoming known to the session.
func (s *meteredSink) OnConnect(ev sink.MemberConnect) error {
	if ev.Talker != nil && s.stats.join(ev.Talker.UserID) && s.metrics != nil {
		s.metrics.ActiveTalkers.Add(context.Background(), 1)
	}
	s.log(ActivityConnect, ev.Talker, ev.SSRC)
	return nil
}

// OnDisconnect records a talker leaving the channel.
func (s *meteredSink) OnDisconnect(ev sink.MemberDisconnect) error {
	if ev.Talker != nil && s.stats.leave(ev.Talker.UserID) && s.metrics != nil {
		s.metrics.ActiveTalkers.Add(context.Background(), -1)
	}
	s.log(ActivityDisconnect, ev.Talker, ev.SSRC)
	return nil
}

func (s *meteredSink) log(kind ActivityKind, talker *audio.Talker, ssrc uint32) {
	a := Activity{
		SessionID: s.sessionID,
		SSRC:      ssrc,
		Kind:      kind,
		At:        s.clock.Now().UTC(),
	}
	if talker != nil {
		a.UserID = talker.UserID
		a.Username = talker.Username
	}
	s.activity.add(a)
}

func (s *meteredSink) guildID() string {
	if conn := s.VoiceConnection(); conn != nil {
		return conn.GuildID()
	}
	return ""
}

var meteredListeners = sink.MustListeners(nil,
	sink.Listen("OnSpeaking", (*meteredSink).OnSpeaking, sink.EventSpeakingUpdate),
	sink.Listen("OnConnect", (*meteredSink).OnConnect, sink.EventMemberConnect),
	sink.Listen("OnDisconnect", (*meteredSink).OnDisconnect, sink.EventMemberDisconnect),
)
