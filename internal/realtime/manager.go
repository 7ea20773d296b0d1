package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/livepoll/realtime/internal/errors"
	"github.com/livepoll/realtime/internal/telemetry"
)

const defaultHeartbeatInterval = 30 * time.Second

// ActivityFunc is told that a participant proved to be alive.
type ActivityFunc func(ctx context.Context, participantID string) error

type ManagerConfig struct {
	Transport         Transport
	HeartbeatInterval time.Duration
	// Activity is called on every heartbeat pong of a connection with a participant.
	Activity ActivityFunc
	// EventLog is optional, see EventLog.
	EventLog EventLog
	Clock    clockwork.Clock
}

// Manager owns the lifecycle of client connections: connect validation, session
// and poll rooms, heartbeat, reconnect with replay, and disconnect.
type Manager struct {
	tr       Transport
	interval time.Duration
	activity ActivityFunc
	log      EventLog
	clock    clockwork.Clock

	mu    sync.Mutex
	conns map[string]*conn
	wg    sync.WaitGroup
}

func NewManager(c ManagerConfig) *Manager {
	m := &Manager{
		tr:       c.Transport,
		interval: c.HeartbeatInterval,
		activity: c.Activity,
		log:      c.EventLog,
		clock:    c.Clock,
		conns:    make(map[string]*conn),
	}

	if m.interval <= 0 {
		m.interval = defaultHeartbeatInterval
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}

	return m
}

type established struct {
	SocketID      string `json:"socketId"`
	ParticipantID string `json:"participantId,omitempty"`
	Message       string `json:"message"`
}

// OnConnect validates the connection parameters and registers the socket.
// An invalid attempt is told why, closed, and never registered.
func (m *Manager) OnConnect(ctx context.Context, socketID string, params url.Values) error {
	sessionID := params.Get("sessionId")
	if sessionID == "" {
		return m.reject(ctx, socketID, errors.New(errors.CodeInvalidArgument, errors.WithMessage("sessionId is required")))
	}

	from := params.Get("fromEventId")
	c := newConn(socketID, sessionID, params.Get("participantId"), m.clock.Now())
	c.lastEventID = from

	m.mu.Lock()
	if _, ok := m.conns[socketID]; ok {
		m.mu.Unlock()
		return m.reject(ctx, socketID, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("socket %s already connected", socketID)))
	}
	m.conns[socketID] = c
	m.mu.Unlock()

	if err := m.tr.Join(socketID, SessionRoom(sessionID)); err != nil {
		m.mu.Lock()
		delete(m.conns, socketID)
		m.mu.Unlock()
		return m.reject(ctx, socketID, errors.New(errors.CodeUnavailable, errors.WithMessage("join session room failed"), errors.WithCause(err)))
	}

	telemetry.Connections.Inc()
	m.startHeartbeat(c)

	env, err := newEnvelope(EventConnectionEstablished, sessionID, established{
		SocketID:      socketID,
		ParticipantID: c.participantID,
		Message:       "WebSocket connection established",
	}, m.clock.Now())
	if err != nil {
		m.Disconnect(ctx, socketID)
		return m.reject(ctx, socketID, errors.Internal(err))
	}
	m.emit(ctx, socketID, EventConnectionEstablished, env)

	slog.InfoContext(ctx, "realtime: client connected",
		"socket_id", socketID,
		"session_id", sessionID,
		"participant_id", c.participantID,
	)

	if from != "" {
		_ = m.resume(ctx, socketID, sessionID, from)
	}

	return nil
}

func (m *Manager) reject(ctx context.Context, socketID string, err *errors.Error) error {
	telemetry.ConnectionRejects.WithLabelValues(err.Code.String()).Inc()
	slog.WarnContext(ctx, "realtime: connection rejected", "socket_id", socketID, "error", err)

	m.emit(ctx, socketID, EventConnectionError, errorPayload{
		Error:     err.Message,
		Code:      err.Code.String(),
		Timestamp: m.now(),
	})
	if cerr := m.tr.Close(socketID); cerr != nil {
		slog.WarnContext(ctx, "realtime: close rejected socket", "socket_id", socketID, "error", cerr)
	}

	return &ConnectionError{SocketID: socketID, Err: err}
}

// OnMessage handles a client control message.
func (m *Manager) OnMessage(ctx context.Context, socketID, event string, data json.RawMessage) {
	switch event {
	case EventHeartbeatPong:
		m.Pong(ctx, socketID)

	case EventPollSubscribe:
		pollID, err := parseField(data, "pollId")
		if err != nil {
			m.emitError(ctx, socketID, EventPollSubscribeError, err)
			return
		}
		_ = m.SubscribePoll(ctx, socketID, pollID)

	case EventPollUnsubscribe:
		pollID, err := parseField(data, "pollId")
		if err != nil {
			m.emitError(ctx, socketID, EventPollUnsubscribeError, err)
			return
		}
		_ = m.UnsubscribePoll(ctx, socketID, pollID)

	case EventReconnect:
		from, err := parseField(data, "fromEventId")
		if err != nil {
			m.emitError(ctx, socketID, EventConnectionError, err)
			return
		}
		if err := m.Reconnect(ctx, socketID, from); err != nil {
			slog.WarnContext(ctx, "realtime: reconnect failed", "socket_id", socketID, "error", err)
		}

	default:
		slog.DebugContext(ctx, "realtime: unknown client message", "socket_id", socketID, "event", event)
	}
}

// OnError marks the connection as failing. It stays registered until disconnect.
func (m *Manager) OnError(ctx context.Context, socketID string, err error) {
	m.mu.Lock()
	if c, ok := m.conns[socketID]; ok {
		c.setStatus(StatusError)
	}
	m.mu.Unlock()

	slog.ErrorContext(ctx, "realtime: connection error", "socket_id", socketID, "error", err)
}

// OnDisconnect is called by the transport once the socket is gone.
func (m *Manager) OnDisconnect(ctx context.Context, socketID string) {
	m.Disconnect(ctx, socketID)
}

// Disconnect stops the heartbeat, leaves every room and forgets the connection.
// It is idempotent and always completes: cleanup failures are only logged.
func (m *Manager) Disconnect(ctx context.Context, socketID string) {
	m.mu.Lock()
	c, ok := m.conns[socketID]
	if !ok {
		m.mu.Unlock()
		slog.WarnContext(ctx, "realtime: disconnect of unknown connection", "socket_id", socketID)
		return
	}
	c.setStatus(StatusDisconnected)
	delete(m.conns, socketID)
	sessionID := c.sessionID
	polls := make([]string, 0, len(c.polls))
	for p := range c.polls {
		polls = append(polls, p)
	}
	m.mu.Unlock()

	c.stopHeartbeat()
	telemetry.Connections.Dec()

	if err := m.tr.Leave(socketID, SessionRoom(sessionID)); err != nil {
		slog.WarnContext(ctx, "realtime: leave session room", "socket_id", socketID, "session_id", sessionID, "error", err)
	}
	for _, p := range polls {
		if err := m.tr.Leave(socketID, PollRoom(p)); err != nil {
			slog.WarnContext(ctx, "realtime: leave poll room", "socket_id", socketID, "poll_id", p, "error", err)
		}
	}

	slog.InfoContext(ctx, "realtime: client disconnected", "socket_id", socketID, "session_id", sessionID)
}

// Reconnect replays what the client missed after fromEventID, moving the
// connection through Reconnecting back to Connected.
func (m *Manager) Reconnect(ctx context.Context, socketID, fromEventID string) error {
	m.mu.Lock()
	c, ok := m.conns[socketID]
	if !ok {
		m.mu.Unlock()
		return &ConnectionError{
			SocketID: socketID,
			Err:      errors.New(errors.CodeNotFound, errors.WithMessage("connection not registered")),
		}
	}
	c.setStatus(StatusReconnecting)
	sessionID := c.sessionID
	m.mu.Unlock()

	slog.InfoContext(ctx, "realtime: client reconnecting", "socket_id", socketID, "from_event_id", fromEventID)

	return m.resume(ctx, socketID, sessionID, fromEventID)
}

func (m *Manager) resume(ctx context.Context, socketID, sessionID, fromEventID string) error {
	last, err := m.replay(ctx, socketID, sessionID, fromEventID)

	m.mu.Lock()
	if c, ok := m.conns[socketID]; ok {
		c.lastEventID = last
		c.setStatus(StatusConnected)
	}
	m.mu.Unlock()

	if err != nil {
		slog.ErrorContext(ctx, "realtime: replay failed", "socket_id", socketID, "error", err)
	}
	return err
}

type pollAck struct {
	PollID    string `json:"pollId"`
	Timestamp string `json:"timestamp"`
}

// SubscribePoll joins the socket to the room of a poll.
func (m *Manager) SubscribePoll(ctx context.Context, socketID, pollID string) error {
	if pollID == "" {
		err := errors.New(errors.CodeInvalidArgument, errors.WithMessage("invalid pollId"))
		m.emitError(ctx, socketID, EventPollSubscribeError, err)
		return err
	}

	m.mu.Lock()
	c, ok := m.conns[socketID]
	m.mu.Unlock()
	if !ok {
		err := errors.New(errors.CodeFailedPrecondition, errors.WithMessage("connection not registered"))
		m.emitError(ctx, socketID, EventPollSubscribeError, err)
		return err
	}

	if err := m.tr.Join(socketID, PollRoom(pollID)); err != nil {
		cerr := errors.New(errors.CodeUnavailable, errors.WithMessagef("join poll %s failed", pollID), errors.WithCause(err))
		m.emitError(ctx, socketID, EventPollSubscribeError, cerr)
		return cerr
	}

	m.mu.Lock()
	c.polls[pollID] = struct{}{}
	m.mu.Unlock()

	m.emit(ctx, socketID, EventPollSubscribeSuccess, pollAck{PollID: pollID, Timestamp: m.now()})
	slog.DebugContext(ctx, "realtime: poll subscribed", "socket_id", socketID, "poll_id", pollID)

	return nil
}

// UnsubscribePoll leaves the room of a poll.
func (m *Manager) UnsubscribePoll(ctx context.Context, socketID, pollID string) error {
	if pollID == "" {
		err := errors.New(errors.CodeInvalidArgument, errors.WithMessage("invalid pollId"))
		m.emitError(ctx, socketID, EventPollUnsubscribeError, err)
		return err
	}

	if err := m.tr.Leave(socketID, PollRoom(pollID)); err != nil {
		cerr := errors.New(errors.CodeUnavailable, errors.WithMessagef("leave poll %s failed", pollID), errors.WithCause(err))
		m.emitError(ctx, socketID, EventPollUnsubscribeError, cerr)
		return cerr
	}

	m.mu.Lock()
	if c, ok := m.conns[socketID]; ok {
		delete(c.polls, pollID)
	}
	m.mu.Unlock()

	m.emit(ctx, socketID, EventPollUnsubscribeSuccess, pollAck{PollID: pollID, Timestamp: m.now()})

	return nil
}

// Pong records a heartbeat answer: the connection is alive again and the
// participant activity callback runs once.
func (m *Manager) Pong(ctx context.Context, socketID string) {
	m.mu.Lock()
	c, ok := m.conns[socketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.connectedAt = m.clock.Now()
	if c.status == StatusError {
		c.setStatus(StatusConnected)
	}
	participantID := c.participantID
	m.mu.Unlock()

	telemetry.HeartbeatPongs.Inc()

	if participantID == "" || m.activity == nil {
		return
	}
	if err := m.activity(ctx, participantID); err != nil {
		slog.WarnContext(ctx, "realtime: record participant activity", "participant_id", participantID, "error", err)
	}
}

type ping struct {
	Timestamp string `json:"timestamp"`
}

func (m *Manager) startHeartbeat(c *conn) {
	t := m.clock.NewTicker(m.interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer t.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-t.Chan():
				if !m.tr.Connected(c.socketID) {
					continue
				}
				m.emit(context.Background(), c.socketID, EventHeartbeatPing, ping{Timestamp: m.now()})
			}
		}
	}()
}

// Connection returns a snapshot of a registered connection.
func (m *Manager) Connection(socketID string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[socketID]
	if !ok {
		return Connection{}, false
	}
	return c.snapshot(), true
}

// SessionConnections returns the connections of a session, oldest first.
func (m *Manager) SessionConnections(sessionID string) []Connection {
	m.mu.Lock()
	out := make([]Connection, 0)
	for _, c := range m.conns {
		if c.sessionID == sessionID {
			out = append(out, c.snapshot())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].SocketID < out[j].SocketID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.conns)
}

// Cleanup stops every heartbeat and disconnects every connection. Used on shutdown.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		c.stopHeartbeat()
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(ctx, id)
	}
	m.wg.Wait()

	slog.InfoContext(ctx, "realtime: connections cleaned up", "count", len(ids))
}

func (m *Manager) emit(ctx context.Context, socketID, event string, payload any) {
	if err := m.tr.Emit(socketID, event, payload); err != nil {
		slog.WarnContext(ctx, "realtime: emit failed", "socket_id", socketID, "event", event, "error", err)
	}
}

func (m *Manager) emitError(ctx context.Context, socketID, event string, err error) {
	e := errors.Convert(err)
	m.emit(ctx, socketID, event, errorPayload{
		Error:     e.Message,
		Code:      e.Code.String(),
		Timestamp: m.now(),
	})
}

func (m *Manager) now() string {
	return formatTime(m.clock.Now())
}

// parseField reads a required string field of a control message.
func parseField(data json.RawMessage, name string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid %s", name), errors.WithCause(err))
	}

	var v string
	raw, ok := fields[name]
	if !ok || json.Unmarshal(raw, &v) != nil || v == "" {
		return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid %s", name))
	}
	return v, nil
}
