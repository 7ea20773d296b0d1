package realtime

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a client connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// canTransition reports whether a registered connection may move from s to next.
// Disconnected is terminal: the entry is deleted and a later connect starts over.
func (s Status) canTransition(next Status) bool {
	switch s {
	case StatusConnected:
		return next == StatusReconnecting || next == StatusError || next == StatusDisconnected
	case StatusReconnecting:
		return next == StatusConnected || next == StatusError || next == StatusDisconnected
	case StatusError:
		return next == StatusConnected || next == StatusReconnecting || next == StatusDisconnected
	}
	return false
}

// Connection is a snapshot of a registered client connection.
type Connection struct {
	SocketID      string
	SessionID     string
	ParticipantID string
	Status        Status
	ConnectedAt   time.Time
	LastEventID   string
	Polls         []string
}

// conn is the registry entry. Its fields are guarded by Manager.mu.
type conn struct {
	socketID      string
	sessionID     string
	participantID string
	status        Status
	connectedAt   time.Time
	lastEventID   string
	polls         map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func newConn(socketID, sessionID, participantID string, at time.Time) *conn {
	return &conn{
		socketID:      socketID,
		sessionID:     sessionID,
		participantID: participantID,
		status:        StatusConnected,
		connectedAt:   at,
		polls:         make(map[string]struct{}),
		stop:          make(chan struct{}),
	}
}

func (c *conn) setStatus(next Status) bool {
	if c.status == next {
		return true
	}
	if !c.status.canTransition(next) {
		return false
	}
	c.status = next
	return true
}

func (c *conn) stopHeartbeat() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *conn) snapshot() Connection {
	polls := make([]string, 0, len(c.polls))
	for p := range c.polls {
		polls = append(polls, p)
	}
	sort.Strings(polls)

	return Connection{
		SocketID:      c.socketID,
		SessionID:     c.sessionID,
		ParticipantID: c.participantID,
		Status:        c.status,
		ConnectedAt:   c.connectedAt,
		LastEventID:   c.lastEventID,
		Polls:         polls,
	}
}
