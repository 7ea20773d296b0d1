package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies a domain event. The set is closed: EventTypes lists every member.
type EventType string

const (
	EventSessionCreated EventType = "session:created"
	EventSessionStarted EventType = "session:started"
	EventSessionEnded   EventType = "session:ended"

	EventPollCreated   EventType = "poll:created"
	EventPollActivated EventType = "poll:activated"
	EventPollClosed    EventType = "poll:closed"

	EventVoteAccepted   EventType = "vote:accepted"
	EventVoteRejected   EventType = "vote:rejected"
	EventResultsUpdated EventType = "results:updated"

	EventParticipantJoined       EventType = "participant:joined"
	EventParticipantDisconnected EventType = "participant:disconnected"
)

var eventTypes = []EventType{
	EventSessionCreated,
	EventSessionStarted,
	EventSessionEnded,
	EventPollCreated,
	EventPollActivated,
	EventPollClosed,
	EventVoteAccepted,
	EventVoteRejected,
	EventResultsUpdated,
	EventParticipantJoined,
	EventParticipantDisconnected,
}

// EventTypes returns every event type of the taxonomy.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

func (t EventType) Valid() bool {
	_, ok := newPayload(t)
	return ok
}

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingSessionID = errors.New("missing session id")
	ErrMissingPayload   = errors.New("missing payload")
)

// Payload is the type specific body of an Event. Only the types of this package implement it.
type Payload interface {
	Type() EventType
	sealed()
}

type (
	SessionCreated struct {
		SessionID     string `json:"sessionId"`
		Code          string `json:"code"`
		PresenterName string `json:"presenterName"`
	}

	SessionStarted struct {
		SessionID string    `json:"sessionId"`
		StartedAt time.Time `json:"startedAt"`
	}

	SessionEnded struct {
		SessionID string    `json:"sessionId"`
		EndedAt   time.Time `json:"endedAt"`
	}

	PollCreated struct {
		PollID    string   `json:"pollId"`
		SessionID string   `json:"sessionId"`
		Question  string   `json:"question"`
		PollType  string   `json:"pollType"`
		Options   []Option `json:"options,omitempty"`
	}

	PollActivated struct {
		PollID      string    `json:"pollId"`
		SessionID   string    `json:"sessionId"`
		ActivatedAt time.Time `json:"activatedAt"`
	}

	PollClosed struct {
		PollID    string          `json:"pollId"`
		SessionID string          `json:"sessionId"`
		ClosedAt  time.Time       `json:"closedAt"`
		Results   json.RawMessage `json:"results,omitempty"`
	}

	VoteAccepted struct {
		VoteID        string    `json:"voteId"`
		PollID        string    `json:"pollId"`
		ParticipantID string    `json:"participantId"`
		OptionID      string    `json:"optionId,omitempty"`
		SubmittedAt   time.Time `json:"submittedAt"`
	}

	VoteRejected struct {
		PollID        string `json:"pollId"`
		ParticipantID string `json:"participantId"`
		Reason        string `json:"reason"`
	}

	ResultsUpdated struct {
		PollID    string          `json:"pollId"`
		SessionID string          `json:"sessionId"`
		Results   json.RawMessage `json:"results"`
	}

	ParticipantJoined struct {
		ParticipantID string    `json:"participantId"`
		SessionID     string    `json:"sessionId"`
		DisplayName   string    `json:"displayName"`
		JoinedAt      time.Time `json:"joinedAt"`
	}

	ParticipantDisconnected struct {
		ParticipantID  string    `json:"participantId"`
		SessionID      string    `json:"sessionId"`
		DisconnectedAt time.Time `json:"disconnectedAt"`
	}
)

func (SessionCreated) Type() EventType          { return EventSessionCreated }
func (SessionStarted) Type() EventType          { return EventSessionStarted }
func (SessionEnded) Type() EventType            { return EventSessionEnded }
func (PollCreated) Type() EventType             { return EventPollCreated }
func (PollActivated) Type() EventType           { return EventPollActivated }
func (PollClosed) Type() EventType              { return EventPollClosed }
func (VoteAccepted) Type() EventType            { return EventVoteAccepted }
func (VoteRejected) Type() EventType            { return EventVoteRejected }
func (ResultsUpdated) Type() EventType          { return EventResultsUpdated }
func (ParticipantJoined) Type() EventType       { return EventParticipantJoined }
func (ParticipantDisconnected) Type() EventType { return EventParticipantDisconnected }

func (SessionCreated) sealed()          {}
func (SessionStarted) sealed()          {}
func (SessionEnded) sealed()            {}
func (PollCreated) sealed()             {}
func (PollActivated) sealed()           {}
func (PollClosed) sealed()              {}
func (VoteAccepted) sealed()            {}
func (VoteRejected) sealed()            {}
func (ResultsUpdated) sealed()          {}
func (ParticipantJoined) sealed()       {}
func (ParticipantDisconnected) sealed() {}

// newPayload returns a pointer to a zero payload of the given type, for decoding.
func newPayload(t EventType) (Payload, bool) {
	switch t {
	case EventSessionCreated:
		return &SessionCreated{}, true
	case EventSessionStarted:
		return &SessionStarted{}, true
	case EventSessionEnded:
		return &SessionEnded{}, true
	case EventPollCreated:
		return &PollCreated{}, true
	case EventPollActivated:
		return &PollActivated{}, true
	case EventPollClosed:
		return &PollClosed{}, true
	case EventVoteAccepted:
		return &VoteAccepted{}, true
	case EventVoteRejected:
		return &VoteRejected{}, true
	case EventResultsUpdated:
		return &ResultsUpdated{}, true
	case EventParticipantJoined:
		return &ParticipantJoined{}, true
	case EventParticipantDisconnected:
		return &ParticipantDisconnected{}, true
	}
	return nil, false
}

// Event is a domain event published by the session, poll, vote and participant modules.
// SessionID always names the session the event routes to, even for poll scoped events.
// Events are values and must not be modified after publishing.
type Event struct {
	SessionID string
	Timestamp time.Time
	Payload   Payload
}

// NewEvent stamps a payload with the routing session and the current time.
func NewEvent(sessionID string, p Payload) Event {
	return Event{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// Name implements event.Event.
func (e Event) Name() string { return string(e.Type()) }

// Session is the routing key used in logs by the event bus.
func (e Event) Session() string { return e.SessionID }

type eventJSON struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	p, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}

	return json.Marshal(eventJSON{
		Type:      e.Type(),
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Payload:   p,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	p, ok := newPayload(raw.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, raw.Type)
	}
	if raw.SessionID == "" {
		return ErrMissingSessionID
	}
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(raw.Payload, p); err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}

	e.SessionID = raw.SessionID
	e.Timestamp = raw.Timestamp
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Payload = deref(p)
	return nil
}

// deref turns the decoding pointer back into the value type handlers switch on.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SessionCreated:
		return *v
	case *SessionStarted:
		return *v
	case *SessionEnded:
		return *v
	case *PollCreated:
		return *v
	case *PollActivated:
		return *v
	case *PollClosed:
		return *v
	case *VoteAccepted:
		return *v
	case *VoteRejected:
		return *v
	case *ResultsUpdated:
		return *v
	case *ParticipantJoined:
		return *v
	case *ParticipantDisconnected:
		return *v
	}
	return p
}
