// Package presence tracks when each participant of a session was last seen alive.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/errors"
	"github.com/livepoll/realtime/internal/event"
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	Clock    clockwork.Clock
}

// Service keeps one sorted set of participants scored by their last seen time
// in unix milliseconds.
type Service struct {
	redis  redis.UniversalClient
	prefix string
	clock  clockwork.Clock
}

func NewService(c Config) *Service {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	s := &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
		clock:  c.Clock,
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(string(domain.EventParticipantJoined), func(ctx context.Context, e event.Event) error {
			de, ok := e.(domain.Event)
			if !ok {
				return nil
			}
			p, ok := de.Payload.(domain.ParticipantJoined)
			if !ok {
				return nil
			}
			return s.Touch(ctx, p.ParticipantID)
		})

		c.EventBus.Subscribe(string(domain.EventParticipantDisconnected), func(ctx context.Context, e event.Event) error {
			de, ok := e.(domain.Event)
			if !ok {
				return nil
			}
			p, ok := de.Payload.(domain.ParticipantDisconnected)
			if !ok {
				return nil
			}
			return s.Forget(ctx, p.ParticipantID)
		})
	}

	return s
}

// Touch records that the participant is alive now. It is the connection
// manager's activity callback.
func (s *Service) Touch(ctx context.Context, participantID string) error {
	if err := s.redis.ZAdd(ctx, s.key(), redis.Z{
		Score:  float64(s.clock.Now().UnixMilli()),
		Member: participantID,
	}).Err(); err != nil {
		return fmt.Errorf("touch participant %s: %w", participantID, err)
	}
	return nil
}

// Forget removes a participant that left.
func (s *Service) Forget(ctx context.Context, participantID string) error {
	if err := s.redis.ZRem(ctx, s.key(), participantID).Err(); err != nil {
		return fmt.Errorf("forget participant %s: %w", participantID, err)
	}
	return nil
}

// LastSeen returns when the participant was last seen.
func (s *Service) LastSeen(ctx context.Context, participantID string) (time.Time, error) {
	score, err := s.redis.ZScore(ctx, s.key(), participantID).Result()
	if err == redis.Nil {
		return time.Time{}, errors.New(errors.CodeNotFound, errors.WithMessagef("participant not seen: participant=%s", participantID))
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last seen of %s: %w", participantID, err)
	}

	return time.UnixMilli(int64(score)), nil
}

// Active returns the participants seen within the window, most recent first.
func (s *Service) Active(ctx context.Context, window time.Duration) ([]string, error) {
	since := s.clock.Now().Add(-window).UnixMilli()

	ids, err := s.redis.ZRevRangeByScore(ctx, s.key(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("active participants: %w", err)
	}

	return ids, nil
}

func (s *Service) key() string {
	return fmt.Sprintf("%s:presence", s.prefix)
}
