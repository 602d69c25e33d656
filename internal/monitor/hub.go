// Package monitor publishes a live feed of what happens in recorded voice
// channels. A [Sink] placed in the recording graph turns sink events into
// [Message] values, the [Hub] fans them out to subscribers, and
// [Hub.ServeHTTP] streams them to websocket clients as JSON.
package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/earshot/internal/observe"
)

// Message types that are not sink event names.
const (
	TypeRecordingStarted = "recording_started"
	TypeRecordingStopped = "recording_stopped"
)

// defaultBuffer is the per-subscriber queue length.
const defaultBuffer = 64

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// Message is one entry of the live event feed.
type Message struct {
	// Type is a sink event name or one of the Type* constants.
	Type string `json:"type"`

	SessionID string    `json:"session_id,omitempty"`
	GuildID   string    `json:"guild_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	SSRC      uint32    `json:"ssrc,omitempty"`
	Speaking  *bool     `json:"speaking,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithBuffer sets the number of messages queued per subscriber before new
// messages are dropped for it.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMetrics records the number of connected websocket clients.
func WithMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub fans published messages out to all current subscribers. Slow
// subscribers lose messages instead of slowing down the publisher, which
// usually runs on a packet delivery goroutine.
//
// Hub is safe for concurrent use.
type Hub struct {
	buffer  int
	metrics *observe.Metrics

	mu     sync.Mutex
	subs   map[chan Message]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer: defaultBuffer,
		subs:   make(map[chan Message]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish hands msg to every subscriber without blocking. A zero Time is
// set to the current time.
func (h *Hub) Publish(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			slog.Debug("monitor: subscriber queue full, dropping message", "type", msg.Type)
		}
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// cancel is called or the hub is closed. After Close, Subscribe returns an
// already closed channel.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of current subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers. It is safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request to a websocket and streams every published
// message as a JSON text frame until the client goes away or the hub is
// closed. Anything the client sends is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("monitor: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	msgs, cancel := h.Subscribe()
	defer cancel()

	if h.metrics != nil {
		h.metrics.MonitorClients.Add(r.Context(), 1)
		defer h.metrics.MonitorClients.Add(context.WithoutCancel(r.Context()), -1)
	}
	slog.Debug("monitor: client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				slog.Debug("monitor: client write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
