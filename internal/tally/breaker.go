package tally

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/errors"
	"github.com/livepoll/realtime/internal/telemetry"
)

type BreakerConfig struct {
	Name string
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// OpenTimeout is how long the breaker stays open before letting a probe through.
	OpenTimeout time.Duration
}

// Breaker fails fast while the wrapped counter keeps failing, so a broken vote
// store does not stall the event bus worker on every accepted vote.
type Breaker struct {
	next Counter
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Counter, c BreakerConfig) *Breaker {
	if c.Name == "" {
		c.Name = "tally"
	}
	if c.Failures == 0 {
		c.Failures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}

	telemetry.BreakerState.WithLabelValues(c.Name).Set(stateValue(gobreaker.StateClosed))

	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        c.Name,
			MaxRequests: 1,
			Timeout:     c.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= c.Failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("tally: circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
				telemetry.BreakerState.WithLabelValues(name).Set(stateValue(to))
			},
		}),
	}
}

func (b *Breaker) Tally(ctx context.Context, pollID string) (domain.Tally, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.next.Tally(ctx, pollID)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Tally{}, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("vote store unavailable: %s", err),
			errors.WithCause(err),
		)
	}
	if err != nil {
		return domain.Tally{}, err
	}

	return res.(domain.Tally), nil
}

// State is the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
