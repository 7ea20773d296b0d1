package ws_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/event"
	"github.com/livepoll/realtime/internal/realtime"
	"github.com/livepoll/realtime/internal/ws"
)

type testServer struct {
	url   string
	hub   *ws.Hub
	m     *realtime.Manager
	b     *realtime.Broadcaster
	bus   *event.Bus
	votes *staticVotes
}

type staticVotes struct {
	tally domain.Tally
}

func (v *staticVotes) Tally(context.Context, string) (domain.Tally, error) {
	return v.tally, nil
}

func newTestServer(t *testing.T, cfg ws.Config) *testServer {
	t.Helper()

	hub := ws.NewHub(cfg)
	m := realtime.NewManager(realtime.ManagerConfig{Transport: hub})
	hub.SetHandler(m)

	bus := event.NewBus()
	votes := &staticVotes{}
	b := realtime.NewBroadcaster(realtime.BroadcasterConfig{
		EventBus:  bus,
		Transport: hub,
		Votes:     votes,
	})
	require.NoError(t, b.Subscribe())

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		m.Cleanup(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
		bus.Stop()
	})

	return &testServer{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:   hub,
		m:     m,
		b:     b,
		bus:   bus,
		votes: votes,
	}
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = resp.Body.Close()
	})
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ws.Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f ws.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.Frame{Event: event, Data: b}))
}

func TestHub_SubscribedClientOnlyReceivesItsPoll(t *testing.T) {
	s := newTestServer(t, ws.Config{})
	conn := dial(t, s.url+"?sessionId=S", nil)

	f := readFrame(t, conn)
	require.Equal(t, realtime.EventConnectionEstablished, f.Event)
	var env realtime.Envelope
	require.NoError(t, json.Unmarshal(f.Data, &env))
	assert.Equal(t, "S", env.SessionID)
	assert.NotEmpty(t, env.EventID)

	send(t, conn, realtime.EventPollSubscribe, map[string]string{"pollId": "P"})
	f = readFrame(t, conn)
	require.Equal(t, realtime.EventPollSubscribeSuccess, f.Event)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	assert.Equal(t, "P", ack["pollId"])

	ctx := context.Background()
	require.NoError(t, s.bus.Publish(ctx, domain.NewEvent("S2", domain.PollActivated{PollID: "Q", SessionID: "S2"})))
	require.NoError(t, s.bus.Publish(ctx, domain.NewEvent("S2", domain.PollActivated{PollID: "P", SessionID: "S2"})))

	// The frame for Q would have been queued first.
	f = readFrame(t, conn)
	assert.Equal(t, realtime.PollUpdatedEvent("P"), f.Event)
}

func TestHub_SessionBroadcast(t *testing.T) {
	s := newTestServer(t, ws.Config{})
	viewer := dial(t, s.url+"?sessionId=S&participantId=u1", nil)
	other := dial(t, s.url+"?sessionId=S2", nil)
	readFrame(t, viewer)
	readFrame(t, other)

	require.NoError(t, s.bus.Publish(context.Background(), domain.NewEvent("S", domain.SessionStarted{SessionID: "S"})))

	f := readFrame(t, viewer)
	require.Equal(t, realtime.EventEnvelope, f.Event)
	var env realtime.Envelope
	require.NoError(t, json.Unmarshal(f.Data, &env))
	assert.Equal(t, string(domain.EventSessionStarted), env.EventType)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestHub_RejectedConnectionIsToldWhyAndClosed(t *testing.T) {
	s := newTestServer(t, ws.Config{})
	conn := dial(t, s.url, nil)

	f := readFrame(t, conn)
	require.Equal(t, realtime.EventConnectionError, f.Event)
	var body map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &body))
	assert.Equal(t, "sessionId is required", body["error"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)

	assert.Equal(t, 0, s.m.Total())
}

func TestHub_ClientCloseDisconnects(t *testing.T) {
	s := newTestServer(t, ws.Config{})
	conn := dial(t, s.url+"?sessionId=S", nil)
	readFrame(t, conn)
	send(t, conn, realtime.EventPollSubscribe, map[string]string{"pollId": "P"})
	readFrame(t, conn)

	require.Equal(t, 1, s.m.Total())
	require.Equal(t, 1, s.hub.RoomSize(realtime.PollRoom("P")))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		return s.m.Total() == 0 && s.hub.RoomSize(realtime.SessionRoom("S")) == 0 && s.hub.RoomSize(realtime.PollRoom("P")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_OriginCheck(t *testing.T) {
	tests := map[string]struct {
		origin string
		ok     bool
	}{
		"allowed origin": {origin: "https://live.example.com", ok: true},
		"foreign origin": {origin: "https://evil.example.com", ok: false},
		"no origin":      {origin: "", ok: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, ws.Config{AllowedOrigins: []string{"https://live.example.com"}})

			h := http.Header{}
			if tt.origin != "" {
				h.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(s.url+"?sessionId=S", h)
			if resp != nil {
				defer resp.Body.Close()
			}

			if !tt.ok {
				require.ErrorIs(t, err, websocket.ErrBadHandshake)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			_ = conn.Close()
		})
	}
}

func TestHub_InboundRateLimit(t *testing.T) {
	s := newTestServer(t, ws.Config{MessageRate: 0.001, MessageBurst: 1})
	conn := dial(t, s.url+"?sessionId=S", nil)
	readFrame(t, conn)

	send(t, conn, realtime.EventPollSubscribe, map[string]string{"pollId": "P1"})
	send(t, conn, realtime.EventPollSubscribe, map[string]string{"pollId": "P2"})

	f := readFrame(t, conn)
	require.Equal(t, realtime.EventPollSubscribeSuccess, f.Event)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	assert.Equal(t, 1, s.hub.RoomSize(realtime.PollRoom("P1")))
	assert.Equal(t, 0, s.hub.RoomSize(realtime.PollRoom("P2")))
}

func TestHub_MalformedFrameKeepsConnection(t *testing.T) {
	s := newTestServer(t, ws.Config{})
	conn := dial(t, s.url+"?sessionId=S", nil)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, conn, realtime.EventPollSubscribe, map[string]string{"pollId": "P"})

	f := readFrame(t, conn)
	assert.Equal(t, realtime.EventPollSubscribeSuccess, f.Event)
	assert.Equal(t, 1, s.m.Total())
}

func TestHub_Shutdown(t *testing.T) {
	s := newTestServer(t, ws.Config{})
	conn := dial(t, s.url+"?sessionId=S", nil)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.hub.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)

	assert.Equal(t, 0, s.m.Total())

	_, resp, err := websocket.DefaultDialer.Dial(s.url+"?sessionId=S", nil)
	require.Error(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_EmitUnknownSocket(t *testing.T) {
	hub := ws.NewHub(ws.Config{})

	assert.Error(t, hub.Emit("missing", "event", nil))
	assert.Error(t, hub.Join("missing", "S"))
	assert.NoError(t, hub.Leave("missing", "S"))
	assert.NoError(t, hub.Close("missing"))
	assert.False(t, hub.Connected("missing"))
	assert.NoError(t, hub.EmitToRoom("empty", "event", map[string]string{}))
}
