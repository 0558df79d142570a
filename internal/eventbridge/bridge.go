// Package eventbridge streams engine events to WebSocket clients.
//
// Each connection gets its own bus subscription and receives every event
// published after it connected, one JSON text message per event. Client
// messages are ignored. A slow client drops events at the bus rather than
// stalling the engine.
package eventbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/offsync/internal/events"
)

// DefaultWriteTimeout bounds a single message write.
const DefaultWriteTimeout = 5 * time.Second

// Handler upgrades requests to WebSocket connections and streams bus events.
type Handler struct {
	bus            *events.Bus
	logger         *slog.Logger
	buffer         int
	writeTimeout   time.Duration
	originPatterns []string

	clients atomic.Int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithBuffer sets the per-connection subscription buffer.
func WithBuffer(n int) Option {
	return func(h *Handler) {
		h.buffer = n
	}
}

// WithWriteTimeout bounds each message write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.writeTimeout = d
	}
}

// WithOriginPatterns allows cross-origin clients matching patterns.
// Without patterns only same-origin connections are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// New creates a handler streaming events from bus.
func New(bus *events.Bus, opts ...Option) *Handler {
	h := &Handler{
		bus:          bus,
		logger:       slog.Default(),
		buffer:       events.DefaultBuffer,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int {
	return int(h.clients.Load())
}

// ServeHTTP implements http.Handler. It returns when the client
// disconnects, the request context ends or the bus closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	sub := h.bus.Subscribe(h.buffer)
	defer h.bus.Unsubscribe(sub)

	n := h.clients.Add(1)
	defer h.clients.Add(-1)
	h.logger.Info("event client connected", "remote", r.RemoteAddr, "clients", n)

	// CloseRead discards client messages; ctx ends when the client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("event write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
