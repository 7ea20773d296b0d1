package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/livepoll/realtime/internal/errors"
	"github.com/livepoll/realtime/internal/telemetry"
)

const (
	defaultConnectionTimeout = 60 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultSendBuffer        = 64
	defaultMessageRate       = 10
	defaultMessageBurst      = 20
	maxMessageSize           = 4096
)

// Frame is the JSON text frame exchanged with clients in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the lifecycle and the control messages of every socket.
type Handler interface {
	OnConnect(ctx context.Context, socketID string, params url.Values) error
	OnMessage(ctx context.Context, socketID, event string, data json.RawMessage)
	OnError(ctx context.Context, socketID string, err error)
	OnDisconnect(ctx context.Context, socketID string)
}

type Config struct {
	// ConnectionTimeout closes a socket that sent nothing, not even a pong, for that long.
	// Protocol pings are sent every half of it.
	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	// MessageRate and MessageBurst limit inbound client messages per socket.
	MessageRate  float64
	MessageBurst int
	// AllowedOrigins empty or containing "*" accepts every origin.
	AllowedOrigins []string
	Clock          clockwork.Clock
}

var (
	errUnknownSocket = errors.New(errors.CodeNotFound, errors.WithMessage("unknown socket"))
	errHubClosed     = errors.New(errors.CodeUnavailable, errors.WithMessage("hub closed"))
)

// Hub is the room based WebSocket transport.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	handler  Handler

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client
	closed  bool

	conns sync.WaitGroup
}

func NewHub(c Config) *Hub {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MessageRate <= 0 {
		c.MessageRate = defaultMessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaultMessageBurst
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	h := &Hub{
		cfg:     c,
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// SetHandler must be called before the hub serves connections.
func (h *Hub) SetHandler(hd Handler) {
	h.handler = hd
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and serves the socket until it closes.
// Connection parameters are read from the query string.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "ws: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx := context.WithoutCancel(r.Context())
	cl := newClient(uuid.NewString(), conn, h.cfg)

	if !h.register(cl) {
		cl.stopGraceful("server shutting down")
		return
	}
	h.conns.Add(1)
	defer h.conns.Done()

	if err := h.handler.OnConnect(ctx, cl.id, r.URL.Query()); err != nil {
		// The handler closed the socket after telling the client why.
		h.unregister(cl.id)
		cl.stop()
		return
	}

	h.readLoop(ctx, cl)

	h.unregister(cl.id)
	cl.stop()
	h.handler.OnDisconnect(ctx, cl.id)
}

func (h *Hub) readLoop(ctx context.Context, cl *client) {
	for {
		_, msg, err := cl.conn.ReadMessage()
		if err != nil {
			if cl.alive() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.handler.OnError(ctx, cl.id, err)
			}
			return
		}
		cl.extendReadDeadline()

		if !cl.limiter.Allow() {
			telemetry.InboundDropped.WithLabelValues("rate_limited").Inc()
			slog.WarnContext(ctx, "ws: message rate exceeded, dropped", "socket_id", cl.id)
			continue
		}

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			telemetry.InboundDropped.WithLabelValues("malformed").Inc()
			slog.DebugContext(ctx, "ws: malformed frame, dropped", "socket_id", cl.id, "error", err)
			continue
		}

		h.handler.OnMessage(ctx, cl.id, f.Event, f.Data)
	}
}

func (h *Hub) register(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[cl.id] = cl
	telemetry.SocketsOpen.Inc()
	return true
}

func (h *Hub) unregister(socketID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	cl, ok := h.clients[socketID]
	if !ok {
		return nil
	}
	delete(h.clients, socketID)
	for room, members := range h.rooms {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	telemetry.SocketsOpen.Dec()
	return cl
}

func (h *Hub) Join(socketID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cl, ok := h.clients[socketID]
	if !ok {
		return errUnknownSocket
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*client)
	}
	h.rooms[room][socketID] = cl
	return nil
}

// Leave is a no-op for a socket that is not in the room.
func (h *Hub) Leave(socketID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[room]
	delete(members, socketID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	return nil
}

// RoomSize returns the number of sockets in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[room])
}

// EmitToRoom queues a frame for every member of a room. Members whose buffer is
// full are evicted instead of slowing the others down.
func (h *Hub) EmitToRoom(room, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return errHubClosed
	}
	members := make([]*client, 0, len(h.rooms[room]))
	for _, cl := range h.rooms[room] {
		members = append(members, cl)
	}
	h.mu.RUnlock()

	for _, cl := range members {
		if !cl.enqueue(msg) {
			h.evict(cl)
		}
	}
	return nil
}

func (h *Hub) Emit(socketID, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	cl, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return errUnknownSocket
	}

	if !cl.enqueue(msg) {
		h.evict(cl)
		return errors.New(errors.CodeResourceExhausted, errors.WithMessagef("socket %s send buffer full", socketID))
	}
	return nil
}

// Close flushes the frames queued for a socket and closes it.
func (h *Hub) Close(socketID string) error {
	h.mu.RLock()
	cl, ok := h.clients[socketID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	cl.stopGraceful("closed by server")
	return nil
}

func (h *Hub) Connected(socketID string) bool {
	h.mu.RLock()
	cl, ok := h.clients[socketID]
	h.mu.RUnlock()

	return ok && cl.alive()
}

// evict drops a slow client. Its read loop then ends and reports the disconnect.
func (h *Hub) evict(cl *client) {
	if !cl.alive() {
		return
	}
	telemetry.SlowClientsEvicted.Inc()
	slog.Warn("ws: slow client evicted", "socket_id", cl.id)

	go cl.stop()
}

// Shutdown closes every socket gracefully and waits for their handlers to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		cl.stopGraceful("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ws: marshal %s: %w", event, err)
	}

	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("ws: marshal frame %s: %w", event, err)
	}
	return msg, nil
}
