package realtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/errors"
	"github.com/livepoll/realtime/internal/event"
	"github.com/livepoll/realtime/internal/telemetry"
)

// VoteCounter reads the current votes of a poll.
type VoteCounter interface {
	Tally(ctx context.Context, pollID string) (domain.Tally, error)
}

type BroadcasterConfig struct {
	EventBus  *event.Bus
	Transport Transport
	Votes     VoteCounter
	// EventLog is optional. When set every session room envelope is appended to it.
	EventLog EventLog
	Clock    clockwork.Clock
}

type handlerFunc func(ctx context.Context, e domain.Event) error

// Broadcaster turns domain events into deliveries to session and poll rooms.
type Broadcaster struct {
	eb    *event.Bus
	tr    Transport
	votes VoteCounter
	log   EventLog
	clock clockwork.Clock

	handlers map[domain.EventType]handlerFunc

	mu   sync.Mutex
	subs map[domain.EventType]event.Subscription
}

func NewBroadcaster(c BroadcasterConfig) *Broadcaster {
	b := &Broadcaster{
		eb:    c.EventBus,
		tr:    c.Transport,
		votes: c.Votes,
		log:   c.EventLog,
		clock: c.Clock,
		subs:  make(map[domain.EventType]event.Subscription),
	}

	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}

	b.handlers = map[domain.EventType]handlerFunc{
		domain.EventSessionCreated:          b.forward,
		domain.EventSessionStarted:          b.forward,
		domain.EventSessionEnded:            b.forward,
		domain.EventPollCreated:             b.forward,
		domain.EventPollActivated:           b.pollLifecycle,
		domain.EventPollClosed:              b.pollLifecycle,
		domain.EventVoteAccepted:            b.voteAccepted,
		domain.EventVoteRejected:            b.forward,
		domain.EventResultsUpdated:          b.forward,
		domain.EventParticipantJoined:       b.forward,
		domain.EventParticipantDisconnected: b.forward,
	}

	return b
}

// Subscribe registers one handler per event type on the bus. Calling it again is a no-op.
// It fails if an event type has no handler.
func (b *Broadcaster) Subscribe() error {
	for _, t := range domain.EventTypes() {
		if _, ok := b.handlers[t]; !ok {
			return fmt.Errorf("broadcaster: no handler for event type %s", t)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range domain.EventTypes() {
		if _, ok := b.subs[t]; ok {
			continue
		}

		h := b.handlers[t]
		b.subs[t] = b.eb.Subscribe(string(t), func(ctx context.Context, e event.Event) error {
			de, ok := e.(domain.Event)
			if !ok {
				return fmt.Errorf("broadcaster: unexpected event %T for %s", e, t)
			}
			return h(ctx, de)
		})
	}

	slog.Info("broadcaster: subscribed to domain events", "count", len(b.subs))

	return nil
}

// Unsubscribe removes every handler registered by Subscribe.
func (b *Broadcaster) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, s := range b.subs {
		b.eb.Unsubscribe(string(t), s)
		delete(b.subs, t)
	}
}

// Broadcast delivers an envelope to the room of a session.
func (b *Broadcaster) Broadcast(ctx context.Context, sessionID string, env Envelope) error {
	if err := env.validate(); err != nil {
		return b.fail(ctx, env, sessionID, errors.New(errors.CodeInvalidArgument, errors.WithMessage(err.Error())))
	}

	if err := b.tr.EmitToRoom(SessionRoom(sessionID), EventEnvelope, env); err != nil {
		return b.fail(ctx, env, sessionID, errors.New(errors.CodeUnavailable, errors.WithMessage("emit to session room"), errors.WithCause(err)))
	}
	telemetry.Deliveries.WithLabelValues("session", env.EventType).Inc()

	if b.log != nil {
		if err := b.log.Append(ctx, env); err != nil {
			slog.WarnContext(ctx, "broadcaster: append to event log",
				"event_id", env.EventID,
				"session_id", sessionID,
				"error", err,
			)
		}
	}

	slog.DebugContext(ctx, "broadcaster: broadcast",
		"event", env.EventType,
		"event_id", env.EventID,
		"session_id", sessionID,
	)

	return nil
}

// BroadcastToPoll delivers a minimal payload straight to the room of a poll,
// without an envelope.
func (b *Broadcaster) BroadcastToPoll(ctx context.Context, pollID, eventName string, payload any) error {
	if err := b.tr.EmitToRoom(PollRoom(pollID), eventName, payload); err != nil {
		telemetry.BroadcastErrors.WithLabelValues(eventName).Inc()
		return fmt.Errorf("broadcaster: emit %s to poll %s: %w", eventName, pollID, err)
	}
	telemetry.Deliveries.WithLabelValues("poll", eventName).Inc()

	return nil
}

// BroadcastCustom wraps an arbitrary payload in an envelope and delivers it to a session.
func (b *Broadcaster) BroadcastCustom(ctx context.Context, eventType, sessionID string, payload any) error {
	env, err := newEnvelope(eventType, sessionID, payload, b.clock.Now())
	if err != nil {
		return b.fail(ctx, Envelope{EventType: eventType}, sessionID, errors.Internal(err))
	}

	return b.Broadcast(ctx, sessionID, env)
}

func (b *Broadcaster) forward(ctx context.Context, e domain.Event) error {
	return b.BroadcastCustom(ctx, string(e.Type()), e.SessionID, e.Payload)
}

type pollUpdate struct {
	PollID    string            `json:"pollId"`
	Status    domain.PollStatus `json:"status"`
	Timestamp string            `json:"timestamp"`
}

func (b *Broadcaster) pollLifecycle(ctx context.Context, e domain.Event) error {
	var (
		pollID string
		status domain.PollStatus
	)
	switch p := e.Payload.(type) {
	case domain.PollActivated:
		pollID, status = p.PollID, domain.PollStatusActive
	case domain.PollClosed:
		pollID, status = p.PollID, domain.PollStatusClosed
	default:
		return fmt.Errorf("broadcaster: unexpected payload %T for %s", e.Payload, e.Type())
	}

	err := b.forward(ctx, e)

	perr := b.BroadcastToPoll(ctx, pollID, PollUpdatedEvent(pollID), pollUpdate{
		PollID:    pollID,
		Status:    status,
		Timestamp: formatTime(b.clock.Now()),
	})

	return stderrors.Join(err, perr)
}

type (
	voteAccepted struct {
		domain.VoteAccepted
		CurrentVoteCount int64                  `json:"currentVoteCount"`
		VoteBreakdown    []domain.VoteBreakdown `json:"voteBreakdown"`
	}

	voteSubmitted struct {
		PollID       string `json:"pollId"`
		OptionID     string `json:"optionId"`
		NewVoteCount int64  `json:"newVoteCount"`
		VoteID       string `json:"voteId"`
		Timestamp    string `json:"timestamp"`
	}
)

// voteAccepted reads the poll tally once and uses it for both the session room
// envelope and the poll room delta, so the two never disagree.
func (b *Broadcaster) voteAccepted(ctx context.Context, e domain.Event) error {
	p, ok := e.Payload.(domain.VoteAccepted)
	if !ok {
		return fmt.Errorf("broadcaster: unexpected payload %T for %s", e.Payload, e.Type())
	}

	env, err := newEnvelope(string(e.Type()), e.SessionID, nil, b.clock.Now())
	if err != nil {
		return b.fail(ctx, Envelope{EventType: string(e.Type())}, e.SessionID, errors.Internal(err))
	}

	tally, err := b.votes.Tally(ctx, p.PollID)
	if err != nil {
		return b.fail(ctx, env, e.SessionID, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("count votes of poll %s", p.PollID),
			errors.WithCause(err),
		))
	}

	env.Payload = voteAccepted{
		VoteAccepted:     p,
		CurrentVoteCount: tally.TotalVotes,
		VoteBreakdown:    tally.Breakdown(),
	}
	err = b.Broadcast(ctx, e.SessionID, env)

	if p.OptionID == "" {
		return err
	}

	perr := b.BroadcastToPoll(ctx, p.PollID, PollVoteSubmittedEvent(p.PollID), voteSubmitted{
		PollID:       p.PollID,
		OptionID:     p.OptionID,
		NewVoteCount: tally.Count(p.OptionID),
		VoteID:       p.VoteID,
		Timestamp:    env.Timestamp,
	})

	return stderrors.Join(err, perr)
}

func (b *Broadcaster) fail(ctx context.Context, env Envelope, sessionID string, err *errors.Error) error {
	telemetry.BroadcastErrors.WithLabelValues(env.EventType).Inc()

	berr := &BroadcastError{
		EventID:   env.EventID,
		EventType: env.EventType,
		SessionID: sessionID,
		Err:       err,
	}
	slog.ErrorContext(ctx, "broadcaster: broadcast failed",
		"event", env.EventType,
		"event_id", env.EventID,
		"session_id", sessionID,
		"error", err,
	)

	return berr
}
