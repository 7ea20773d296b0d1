package realtime

import (
	"fmt"

	"github.com/livepoll/realtime/internal/errors"
)

// ConnectionError rejects a connection attempt. The socket is closed.
type ConnectionError struct {
	SocketID string
	Err      *errors.Error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime: connection %s: %s", e.SocketID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// BroadcastError reports a delivery that did not reach the transport.
// The domain mutation behind it is not affected.
type BroadcastError struct {
	EventID   string
	EventType string
	SessionID string
	Err       *errors.Error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("realtime: broadcast %s event=%s session=%s: %s", e.EventType, e.EventID, e.SessionID, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// ReplayError reports a replay that could not read the event log.
type ReplayError struct {
	FromEventID string
	SessionID   string
	Err         *errors.Error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("realtime: replay session=%s from=%s: %s", e.SessionID, e.FromEventID, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// errorPayload is the body of the client error acknowledgments.
type errorPayload struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}
