//go:build integration_test

package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/realtime"
	"github.com/livepoll/realtime/internal/ws"
)

const (
	httpAddr      = "localhost:8080"
	grpcAddr      = "localhost:8081"
	eventsChannel = "livepoll:events"
)

// TestLivePoll runs against a server started with config/local.yaml.
func TestLivePoll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checkHealth(ctx, t)

	var (
		rc      = makeRedis(t)
		session = uuid.NewString()
		poll    = uuid.NewString()
		users   = []string{"u1", "u2", "u3", "u4"}
	)

	presenter := dial(t, session, "")
	viewer := dial(t, session, "u1")
	send(t, viewer, realtime.EventPollSubscribe, map[string]string{"pollId": poll})
	expect(t, viewer, realtime.EventPollSubscribeSuccess)

	publish(ctx, t, rc, domain.NewEvent(session, domain.PollCreated{
		PollID:    poll,
		SessionID: session,
		Question:  "Favourite colour?",
		PollType:  "multiple_choice",
		Options:   []domain.Option{{ID: "red", Text: "Red"}, {ID: "blue", Text: "Blue"}},
	}))
	publish(ctx, t, rc, domain.NewEvent(session, domain.PollActivated{PollID: poll, SessionID: session, ActivatedAt: time.Now()}))
	for env := expectEnvelope(t, presenter); env.EventType != string(domain.EventPollActivated); env = expectEnvelope(t, presenter) {
		t.Logf("presenter received %s", env.EventType)
	}
	expect(t, viewer, realtime.PollUpdatedEvent(poll))

	// Votes of different participants are independent, so they are published concurrently.
	var eg errgroup.Group
	for i, u := range users {
		option := "red"
		if i%2 == 1 {
			option = "blue"
		}
		eg.Go(func() error {
			return postEvent(ctx, domain.NewEvent(session, domain.VoteAccepted{
				VoteID:        uuid.NewString(),
				PollID:        poll,
				ParticipantID: u,
				OptionID:      option,
				SubmittedAt:   time.Now(),
			}))
		})
	}
	require.NoError(t, eg.Wait())

	var last []domain.VoteBreakdown
	for votes := 0; votes < len(users); {
		env := expectEnvelope(t, presenter)
		t.Logf("presenter received %s", env.EventType)
		if env.EventType != string(domain.EventVoteAccepted) {
			continue
		}
		votes++

		var p struct {
			VoteBreakdown []domain.VoteBreakdown `json:"voteBreakdown"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		last = p.VoteBreakdown
	}

	require.Len(t, last, 2)
	assert.Equal(t, int64(2), last[0].VoteCount)
	assert.Equal(t, float64(50), last[0].Percentage)
	assert.Equal(t, float64(50), last[1].Percentage)
}

type envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

func checkHealth(ctx context.Context, t *testing.T) {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	resp, err := healthv1.NewHealthClient(conn).Check(ctx, &healthv1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthv1.HealthCheckResponse_SERVING, resp.Status)
}

func dial(t *testing.T, session, participant string) *websocket.Conn {
	url := fmt.Sprintf("ws://%s/ws?sessionId=%s", httpAddr, session)
	if participant != "" {
		url += "&participantId=" + participant
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		resp.Body.Close()
	})

	expect(t, conn, realtime.EventConnectionEstablished)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.Frame{Event: event, Data: b}))
}

// expect skips frames until one with the given event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) ws.Frame {
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f ws.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event {
			return f
		}
		t.Logf("skipped %s", f.Event)
	}
}

func expectEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	f := expect(t, conn, realtime.EventEnvelope)
	var env envelope
	require.NoError(t, json.Unmarshal(f.Data, &env))
	return env
}

func publish(ctx context.Context, t *testing.T, rc redis.UniversalClient, e domain.Event) {
	b, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, rc.Publish(ctx, eventsChannel, b).Err())
}

func postEvent(ctx context.Context, e domain.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/v1/events", httpAddr), strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("post %s: status %d", e.Name(), resp.StatusCode)
	}
	return nil
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}
