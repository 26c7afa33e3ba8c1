package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// Event types pushed to websocket clients.
const (
	eventSnapshot         = "snapshot"
	eventStateChanged     = "state_changed"
	eventFacetsDiscovered = "facets_discovered"
	eventStreamState      = "stream_state"
)

const (
	eventQueueSize  = 256
	clientQueueSize = 64
)

// wsEvent is the envelope of every websocket message.
type wsEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// eventHub fans engine events out to websocket clients. A client that cannot
// keep up is evicted rather than allowed to stall the others.
type eventHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	events     chan wsEvent

	evicted atomic.Uint64
	dropped atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// types restricts delivery to these event types; nil accepts all.
	types map[string]struct{}
}

func (c *wsClient) wants(typ string) bool {
	if c.types == nil {
		return true
	}
	_, ok := c.types[typ]
	return ok
}

// parseEventTypes reads a comma separated ?events= filter.
func parseEventTypes(raw string) map[string]struct{} {
	var types map[string]struct{}
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]struct{})
		}
		types[t] = struct{}{}
	}
	return types
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan wsEvent, eventQueueSize),
		done:       make(chan struct{}),
	}
}

func (h *eventHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// deliver encodes ev once and queues it for every interested client.
func (h *eventHub) deliver(ev wsEvent) {
	var data []byte
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(ev.Type) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
			h.evicted.Add(1)
			h.logger.Warn("ws client evicted (too slow)", "type", ev.Type)
		}
	}
}

// stop shuts the hub down and closes every client. Safe to call multiple
// times.
func (h *eventHub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// publish queues ev for delivery. It never blocks; a full queue drops the
// event.
func (h *eventHub) publish(ev wsEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("ws event queue full, dropping event", "type", ev.Type)
	}
}

func (h *eventHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowedOrigins nhooyr enforces same-origin.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, clientQueueSize),
		types: parseEventTypes(r.URL.Query().Get("events")),
	}

	// Every client starts from the full current state regardless of its
	// filter.
	if data, err := json.Marshal(wsEvent{Type: eventSnapshot, Time: time.Now(), Data: map[string]any{
		"status":  s.engine.Status(),
		"devices": s.deviceStates(),
	}}); err == nil {
		client.send <- data
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(r.Context(), client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump drains client frames until the connection or hub goes away.
// Clients are receive-only; anything they send is ignored.
func (s *Server) wsReadPump(ctx context.Context, client *wsClient) {
	defer func() {
		select {
		case s.hub.unregister <- client:
		case <-s.hub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
