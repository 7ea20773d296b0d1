package realtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is ISO-8601 in UTC with millisecond precision.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the wire wrapper of a session room broadcast.
// EventID is unique and time ordered, so it doubles as the replay cursor.
type Envelope struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	Payload   any    `json:"payload"`
}

func newEnvelope(eventType, sessionID string, payload any, at time.Time) (Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("generate event id: %w", err)
	}

	return Envelope{
		EventID:   id.String(),
		EventType: eventType,
		Timestamp: formatTime(at),
		SessionID: sessionID,
		Payload:   payload,
	}, nil
}

func (e Envelope) validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("envelope: empty event id")
	case e.EventType == "":
		return fmt.Errorf("envelope: empty event type")
	case e.Timestamp == "":
		return fmt.Errorf("envelope: empty timestamp")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
