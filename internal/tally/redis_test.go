package tally_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/event"
	"github.com/livepoll/realtime/internal/tally"
)

func TestRedis_Tally(t *testing.T) {
	type vote struct{ id, option string }

	tests := map[string]struct {
		options []string
		votes   []vote
		assert  func(t *testing.T, got domain.Tally)
	}{
		"options without votes are listed with zero": {
			options: []string{"A", "B"},
			assert: func(t *testing.T, got domain.Tally) {
				assert.Equal(t, domain.Tally{
					PollID:  "p1",
					Options: []domain.OptionCount{{OptionID: "A"}, {OptionID: "B"}},
				}, got)
			},
		},

		"votes are counted per option in display order": {
			options: []string{"B", "A", "C"},
			votes:   []vote{{"v1", "A"}, {"v2", "A"}, {"v3", "C"}},
			assert: func(t *testing.T, got domain.Tally) {
				assert.Equal(t, []domain.OptionCount{
					{OptionID: "B", Votes: 0},
					{OptionID: "A", Votes: 2},
					{OptionID: "C", Votes: 1},
				}, got.Options)
				assert.Equal(t, int64(3), got.TotalVotes)
			},
		},

		"a vote is counted once": {
			options: []string{"A"},
			votes:   []vote{{"v1", "A"}, {"v1", "A"}},
			assert: func(t *testing.T, got domain.Tally) {
				assert.Equal(t, int64(1), got.Count("A"))
				assert.Equal(t, int64(1), got.TotalVotes)
			},
		},

		"votes without option only count in the total": {
			votes: []vote{{"v1", ""}, {"v2", ""}},
			assert: func(t *testing.T, got domain.Tally) {
				assert.Empty(t, got.Options)
				assert.Equal(t, int64(2), got.TotalVotes)
			},
		},

		"votes for unregistered options": {
			votes: []vote{{"v1", "A"}, {"v2", "A"}},
			assert: func(t *testing.T, got domain.Tally) {
				assert.Equal(t, []domain.OptionCount{{OptionID: "A", Votes: 2}}, got.Options)
				assert.Equal(t, int64(2), got.TotalVotes)
				assert.Equal(t, int64(2), got.Count("A"))
			},
		},

		"unregistered options follow registered ones sorted by id": {
			options: []string{"B"},
			votes:   []vote{{"v1", "D"}, {"v2", "B"}, {"v3", "C"}},
			assert: func(t *testing.T, got domain.Tally) {
				assert.Equal(t, []domain.OptionCount{
					{OptionID: "B", Votes: 1},
					{OptionID: "C", Votes: 1},
					{OptionID: "D", Votes: 1},
				}, got.Options)
				assert.Equal(t, int64(3), got.TotalVotes)
			},
		},

		"unknown poll": {
			assert: func(t *testing.T, got domain.Tally) {
				assert.Equal(t, "p1", got.PollID)
				assert.Empty(t, got.Options)
				assert.Zero(t, got.TotalVotes)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := tally.NewRedis(tally.RedisConfig{Redis: makeRedis(t), Prefix: "livepoll"})

			if len(tt.options) > 0 {
				require.NoError(t, r.RegisterOptions(ctx, "p1", tt.options))
			}
			for _, v := range tt.votes {
				require.NoError(t, r.RecordVote(ctx, "p1", v.id, v.option))
			}

			got, err := r.Tally(ctx, "p1")
			require.NoError(t, err)
			tt.assert(t, got)
		})
	}
}

func TestRedis_ProjectsBusEvents(t *testing.T) {
	ctx := context.Background()
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	r := tally.NewRedis(tally.RedisConfig{Redis: makeRedis(t), Prefix: "livepoll", EventBus: bus})

	require.NoError(t, bus.Publish(ctx, domain.NewEvent("s1", domain.PollCreated{
		PollID:    "p1",
		SessionID: "s1",
		Question:  "Pick one",
		PollType:  "multiple_choice",
		Options:   []domain.Option{{ID: "A", Text: "a"}, {ID: "B", Text: "b"}},
	})))
	require.NoError(t, bus.Publish(ctx, domain.NewEvent("s1", domain.VoteAccepted{VoteID: "v1", PollID: "p1", ParticipantID: "u1", OptionID: "A"})))

	got, err := r.Tally(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.Tally{
		PollID:     "p1",
		Options:    []domain.OptionCount{{OptionID: "A", Votes: 1}, {OptionID: "B", Votes: 0}},
		TotalVotes: 1,
	}, got)
}

func TestRedis_RecordVoteRetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })

	r := tally.NewRedis(tally.RedisConfig{Redis: rc, Prefix: "livepoll"})

	mr.SetError("ERR store unavailable")
	require.Error(t, r.RecordVote(ctx, "p1", "v1", "A"))

	mr.SetError("")
	require.NoError(t, r.RecordVote(ctx, "p1", "v1", "A"))
	require.NoError(t, r.RecordVote(ctx, "p1", "v1", "A"))

	got, err := r.Tally(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalVotes)
	assert.Equal(t, int64(1), got.Count("A"))
}

func TestRedis_ReadFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })

	r := tally.NewRedis(tally.RedisConfig{Redis: rc, Prefix: "livepoll"})
	mr.Close()

	_, err := r.Tally(context.Background(), "p1")
	require.Error(t, err)
}

func makeRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}
