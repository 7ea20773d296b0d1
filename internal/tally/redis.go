package tally

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/event"
)

// recordVote marks a vote as seen and counts it in one step, so a failure never
// leaves a vote seen but uncounted.
// KEYS: seen, votes, total. ARGV: vote id, option id (may be empty).
var recordVote = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if ARGV[2] ~= '' then
	redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
end
redis.call('INCR', KEYS[3])
return 1
`)

type RedisConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	// EventBus, when set, keeps the counts up to date from poll:created and
	// vote:accepted events. Subscribe the counter before the broadcaster so a vote
	// is counted before it is broadcast.
	EventBus *event.Bus
}

// Redis keeps a vote count projection per poll: the option list, a hash of
// counts per option and a total.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedis(c RedisConfig) *Redis {
	r := &Redis{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(string(domain.EventPollCreated), func(ctx context.Context, e event.Event) error {
			p, ok := payload[domain.PollCreated](e)
			if !ok {
				return nil
			}
			ids := make([]string, 0, len(p.Options))
			for _, o := range p.Options {
				ids = append(ids, o.ID)
			}
			return r.RegisterOptions(ctx, p.PollID, ids)
		})

		c.EventBus.Subscribe(string(domain.EventVoteAccepted), func(ctx context.Context, e event.Event) error {
			p, ok := payload[domain.VoteAccepted](e)
			if !ok {
				return nil
			}
			return r.RecordVote(ctx, p.PollID, p.VoteID, p.OptionID)
		})
	}

	return r
}

// RegisterOptions sets the options of a poll in display order.
func (r *Redis) RegisterOptions(ctx context.Context, pollID string, optionIDs []string) error {
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.optionsKey(pollID))
		if len(optionIDs) > 0 {
			vals := make([]any, 0, len(optionIDs))
			for _, id := range optionIDs {
				vals = append(vals, id)
			}
			p.RPush(ctx, r.optionsKey(pollID), vals...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tally: register options of poll %s: %w", pollID, err)
	}
	return nil
}

// RecordVote counts a vote once. A vote id seen before is ignored.
func (r *Redis) RecordVote(ctx context.Context, pollID, voteID, optionID string) error {
	keys := []string{r.seenKey(pollID), r.votesKey(pollID), r.totalKey(pollID)}
	if err := recordVote.Run(ctx, r.redis, keys, voteID, optionID).Err(); err != nil {
		return fmt.Errorf("tally: record vote %s: %w", voteID, err)
	}
	return nil
}

// Tally reads options, counts and total in one transaction. Options counted but
// never registered follow the registered ones, sorted by id.
func (r *Redis) Tally(ctx context.Context, pollID string) (domain.Tally, error) {
	defer observe("redis")()

	var (
		options *redis.StringSliceCmd
		votes   *redis.MapStringStringCmd
		total   *redis.StringCmd
	)
	_, err := r.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		options = p.LRange(ctx, r.optionsKey(pollID), 0, -1)
		votes = p.HGetAll(ctx, r.votesKey(pollID))
		total = p.Get(ctx, r.totalKey(pollID))
		return nil
	})
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return domain.Tally{}, fmt.Errorf("tally: read poll %s: %w", pollID, err)
	}

	t := domain.Tally{PollID: pollID}

	if n, err := total.Int64(); err == nil {
		t.TotalVotes = n
	} else if !stderrors.Is(err, redis.Nil) {
		return domain.Tally{}, fmt.Errorf("tally: parse total of poll %s: %w", pollID, err)
	}

	counts := votes.Val()
	t.Options = make([]domain.OptionCount, 0, len(options.Val()))
	registered := make(map[string]struct{}, len(options.Val()))
	for _, id := range options.Val() {
		registered[id] = struct{}{}
		n, err := parseCount(id, counts)
		if err != nil {
			return domain.Tally{}, err
		}
		t.Options = append(t.Options, domain.OptionCount{OptionID: id, Votes: n})
	}

	var extra []string
	for id := range counts {
		if _, ok := registered[id]; !ok {
			extra = append(extra, id)
		}
	}
	slices.Sort(extra)
	for _, id := range extra {
		n, err := parseCount(id, counts)
		if err != nil {
			return domain.Tally{}, err
		}
		t.Options = append(t.Options, domain.OptionCount{OptionID: id, Votes: n})
	}

	return t, nil
}

func parseCount(optionID string, counts map[string]string) (int64, error) {
	v, ok := counts[optionID]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tally: parse count of option %s: %w", optionID, err)
	}
	return n, nil
}

func (r *Redis) optionsKey(pollID string) string {
	return fmt.Sprintf("%s:poll:%s:options", r.prefix, pollID)
}

func (r *Redis) votesKey(pollID string) string {
	return fmt.Sprintf("%s:poll:%s:votes", r.prefix, pollID)
}

func (r *Redis) totalKey(pollID string) string {
	return fmt.Sprintf("%s:poll:%s:total", r.prefix, pollID)
}

func (r *Redis) seenKey(pollID string) string {
	return fmt.Sprintf("%s:poll:%s:seen", r.prefix, pollID)
}
