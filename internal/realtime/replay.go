package realtime

import (
	"context"
	"log/slog"

	"github.com/livepoll/realtime/internal/errors"
	"github.com/livepoll/realtime/internal/telemetry"
)

// EventLog stores session room envelopes for replay.
// Since returns the envelopes of a session published after fromEventID, in event id order.
//
// No durable implementation ships with the service. Without one, a reconnecting
// client is told that replay is unavailable instead of resuming with a silent gap.
type EventLog interface {
	Append(ctx context.Context, env Envelope) error
	Since(ctx context.Context, sessionID, fromEventID string) ([]Envelope, error)
}

const replayUnavailableMessage = "replay not available: events published while disconnected may be missing"

type (
	replayStart struct {
		FromEventID string `json:"fromEventId"`
		Timestamp   string `json:"timestamp"`
	}

	replayUnavailable struct {
		FromEventID string `json:"fromEventId"`
		Reason      string `json:"reason"`
		Timestamp   string `json:"timestamp"`
	}

	replayComplete struct {
		FromEventID   string `json:"fromEventId"`
		ReplayedCount int    `json:"replayedCount"`
		Timestamp     string `json:"timestamp"`
	}
)

// replay sends the envelopes a client missed after fromEventID, framed by start and
// complete messages, and returns the id of the last replayed envelope.
func (m *Manager) replay(ctx context.Context, socketID, sessionID, fromEventID string) (string, error) {
	m.emit(ctx, socketID, EventReplayStart, replayStart{
		FromEventID: fromEventID,
		Timestamp:   m.now(),
	})

	var (
		envs []Envelope
		err  error
	)
	if m.log == nil {
		err = errors.New(errors.CodeUnimplemented, errors.WithMessage(replayUnavailableMessage))
	} else {
		envs, err = m.log.Since(ctx, sessionID, fromEventID)
	}

	if err != nil {
		m.emit(ctx, socketID, EventReplayUnavailable, replayUnavailable{
			FromEventID: fromEventID,
			Reason:      replayUnavailableMessage,
			Timestamp:   m.now(),
		})
		m.emit(ctx, socketID, EventReplayComplete, replayComplete{
			FromEventID: fromEventID,
			Timestamp:   m.now(),
		})

		if m.log == nil {
			telemetry.Replays.WithLabelValues("unavailable").Inc()
			slog.InfoContext(ctx, "realtime: replay unavailable, no event log", "socket_id", socketID, "session_id", sessionID)
			return fromEventID, nil
		}

		telemetry.Replays.WithLabelValues("failed").Inc()
		return fromEventID, &ReplayError{
			FromEventID: fromEventID,
			SessionID:   sessionID,
			Err:         errors.New(errors.CodeUnavailable, errors.WithMessage("read event log"), errors.WithCause(err)),
		}
	}

	last := fromEventID
	for _, env := range envs {
		if err := m.tr.Emit(socketID, EventEnvelope, env); err != nil {
			telemetry.Replays.WithLabelValues("failed").Inc()
			return last, &ReplayError{
				FromEventID: fromEventID,
				SessionID:   sessionID,
				Err:         errors.New(errors.CodeUnavailable, errors.WithMessage("emit replayed event"), errors.WithCause(err)),
			}
		}
		last = env.EventID
	}

	m.emit(ctx, socketID, EventReplayComplete, replayComplete{
		FromEventID:   fromEventID,
		ReplayedCount: len(envs),
		Timestamp:     m.now(),
	})
	telemetry.Replays.WithLabelValues("replayed").Inc()

	return last, nil
}
