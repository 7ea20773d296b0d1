package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/errors"
	"github.com/livepoll/realtime/internal/event"
	"github.com/livepoll/realtime/internal/realtime"
	"github.com/livepoll/realtime/internal/telemetry"
)

const defaultActiveWindow = time.Minute

type Config struct {
	Router gin.IRouter
	// GRPC is optional. When set the standard health service is registered on it.
	GRPC        *grpc.Server
	EventBus    Dispatcher
	Socket      http.Handler
	Connections Connections
	Broadcaster Broadcaster
	Presence    Presence
	// Redis and EventsChannel enable ConsumeEvents.
	Redis         Redis
	EventsChannel string
}

type (
	Dispatcher interface {
		Dispatch(ctx context.Context, e event.Event)
	}

	Connections interface {
		SessionConnections(sessionID string) []realtime.Connection
		Total() int
	}

	Broadcaster interface {
		BroadcastCustom(ctx context.Context, eventType, sessionID string, payload any) error
	}

	Presence interface {
		LastSeen(ctx context.Context, participantID string) (time.Time, error)
		Active(ctx context.Context, window time.Duration) ([]string, error)
	}

	Redis interface {
		Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	}
)

type API struct {
	eb       Dispatcher
	conns    Connections
	bc       Broadcaster
	presence Presence
	health   *health.Server

	redis   Redis
	channel string
}

func New(c Config) *API {
	a := &API{
		eb:       c.EventBus,
		conns:    c.Connections,
		bc:       c.Broadcaster,
		presence: c.Presence,
		health:   health.NewServer(),
		redis:    c.Redis,
		channel:  c.EventsChannel,
	}

	if c.GRPC != nil {
		healthv1.RegisterHealthServer(c.GRPC, a.health)
	}

	r := c.Router
	r.GET("/healthz", a.Health)
	if c.Socket != nil {
		r.GET("/ws", gin.WrapH(c.Socket))
	}

	v1 := r.Group("/v1")
	v1.POST("/events", a.IngestEvent)
	v1.POST("/sessions/:sessionId/broadcasts", a.BroadcastCustom)
	v1.GET("/sessions/:sessionId/connections", a.SessionConnections)
	v1.GET("/participants/active", a.ActiveParticipants)
	v1.GET("/participants/:participantId/presence", a.LastSeen)

	return a
}

// Shutdown reports NOT_SERVING to health checks.
func (a *API) Shutdown() {
	a.health.Shutdown()
}

type (
	healthResponse struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}

	acceptedResponse struct {
		Accepted bool   `json:"accepted"`
		Type     string `json:"type"`
	}

	customBroadcastRequest struct {
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}

	connectionResponse struct {
		SocketID      string    `json:"socketId"`
		ParticipantID string    `json:"participantId,omitempty"`
		Status        string    `json:"status"`
		ConnectedAt   time.Time `json:"connectedAt"`
		LastEventID   string    `json:"lastEventId,omitempty"`
		Polls         []string  `json:"polls"`
	}

	sessionConnectionsResponse struct {
		SessionID   string               `json:"sessionId"`
		Connections []connectionResponse `json:"connections"`
	}

	presenceResponse struct {
		ParticipantID string    `json:"participantId"`
		LastSeen      time.Time `json:"lastSeen"`
	}

	activeResponse struct {
		Participants []string `json:"participants"`
	}
)

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Connections: a.conns.Total()})
}

// IngestEvent accepts a domain event published by a collaborator running out of
// process and dispatches it on the bus. Only the shape of the event is checked.
func (a *API) IngestEvent(c *gin.Context) {
	var e domain.Event
	if err := json.NewDecoder(c.Request.Body).Decode(&e); err != nil {
		telemetry.EventsRejected.WithLabelValues("http").Inc()
		writeError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid event: %s", err),
			errors.WithCause(err),
		))
		return
	}

	a.eb.Dispatch(c.Request.Context(), e)
	telemetry.EventsIngested.WithLabelValues("http", e.Name()).Inc()

	c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true, Type: e.Name()})
}

// BroadcastCustom delivers an arbitrary event to every viewer of a session.
func (a *API) BroadcastCustom(c *gin.Context) {
	var req customBroadcastRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil || req.EventType == "" {
		writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessage("eventType is required")))
		return
	}

	var payload any = req.Payload
	if len(req.Payload) == 0 {
		payload = struct{}{}
	}

	if err := a.bc.BroadcastCustom(c.Request.Context(), req.EventType, c.Param("sessionId"), payload); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, acceptedResponse{Accepted: true, Type: req.EventType})
}

func (a *API) SessionConnections(c *gin.Context) {
	sessionID := c.Param("sessionId")
	conns := a.conns.SessionConnections(sessionID)

	resp := sessionConnectionsResponse{
		SessionID:   sessionID,
		Connections: make([]connectionResponse, 0, len(conns)),
	}
	for _, cn := range conns {
		polls := cn.Polls
		if polls == nil {
			polls = []string{}
		}
		resp.Connections = append(resp.Connections, connectionResponse{
			SocketID:      cn.SocketID,
			ParticipantID: cn.ParticipantID,
			Status:        string(cn.Status),
			ConnectedAt:   cn.ConnectedAt,
			LastEventID:   cn.LastEventID,
			Polls:         polls,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) LastSeen(c *gin.Context) {
	id := c.Param("participantId")

	at, err := a.presence.LastSeen(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, presenceResponse{ParticipantID: id, LastSeen: at})
}

// ActiveParticipants lists participants seen within the window query parameter, one minute by default.
func (a *API) ActiveParticipants(c *gin.Context) {
	window := defaultActiveWindow
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			writeError(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid window: %q", w)))
			return
		}
		window = d
	}

	ids, err := a.presence.Active(c.Request.Context(), window)
	if err != nil {
		writeError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	c.JSON(http.StatusOK, activeResponse{Participants: ids})
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), e)
}
