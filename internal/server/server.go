package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/livepoll/realtime/internal/api"
	"github.com/livepoll/realtime/internal/event"
	"github.com/livepoll/realtime/internal/logging"
	"github.com/livepoll/realtime/internal/presence"
	"github.com/livepoll/realtime/internal/realtime"
	"github.com/livepoll/realtime/internal/tally"
	"github.com/livepoll/realtime/internal/telemetry"
	"github.com/livepoll/realtime/internal/ws"
)

const (
	TallyStoreRedis    = "redis"
	TallyStorePostgres = "postgres"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Log logging.Config

	Realtime struct {
		HeartbeatInterval time.Duration
		ConnectionTimeout time.Duration
		WriteTimeout      time.Duration
		SendBuffer        int
		MessageRate       float64
		MessageBurst      int
		AllowedOrigins    []string
	}

	Bus struct {
		QueueSize int
		Timeout   time.Duration
	}

	Tally struct {
		// Store is redis or postgres.
		Store           string
		BreakerFailures uint32
		BreakerTimeout  time.Duration
	}

	Ingest struct {
		// Channel is the Redis channel collaborators publish domain events on. Empty disables it.
		Channel string
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}
}

// DefaultConfig is overridden by the config file and the environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Log.Level = "info"
	c.Log.Encoding = "json"
	c.Realtime.HeartbeatInterval = 30 * time.Second
	c.Realtime.ConnectionTimeout = 60 * time.Second
	c.Realtime.WriteTimeout = 5 * time.Second
	c.Realtime.SendBuffer = 64
	c.Realtime.MessageRate = 10
	c.Realtime.MessageBurst = 20
	c.Realtime.AllowedOrigins = []string{"*"}
	c.Bus.QueueSize = 10000
	c.Bus.Timeout = 30 * time.Second
	c.Tally.Store = TallyStoreRedis
	c.Tally.BreakerFailures = 5
	c.Tally.BreakerTimeout = 30 * time.Second
	c.Ingest.Channel = "livepoll:events"
	c.Redis.Addrs = []string{"localhost:6379"}
	c.Redis.Prefix = "livepoll"
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		votes       tally.Counter
		presence    *presence.Service
		hub         *ws.Hub
		manager     *realtime.Manager
		broadcaster *realtime.Broadcaster
		api         *api.API
	}

	http *http.Server
	grpc *grpc.Server

	// consumeCtx is cancelled on Shutdown to stop consuming ingested events.
	consumeCtx context.Context
	consume    context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.consumeCtx, s.consume = context.WithCancel(context.Background())

	opts := []event.Option{event.WithObserver(telemetry.ObserveBusFailure)}
	if c.Bus.QueueSize > 0 {
		opts = append(opts, event.WithQueueSize(c.Bus.QueueSize))
	}
	if c.Bus.Timeout > 0 {
		opts = append(opts, event.WithTimeout(c.Bus.Timeout))
	}
	s.eb = event.NewBus(opts...)

	if err := s.initInfra(); err != nil {
		s.eb.Stop()
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		s.eb.Stop()
		s.closeInfra()
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.Tally.Store == TallyStorePostgres {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	// The Redis projection counts a vote on the bus before the broadcaster reads it,
	// so it is subscribed first.
	var counter tally.Counter
	switch s.c.Tally.Store {
	case TallyStoreRedis:
		counter = tally.NewRedis(tally.RedisConfig{
			Redis:    s.infra.redis,
			Prefix:   s.c.Redis.Prefix,
			EventBus: s.eb,
		})
	case TallyStorePostgres:
		counter = tally.NewPostgres(tally.PostgresConfig{DB: s.infra.postgres})
	default:
		return fmt.Errorf("unknown tally store %q", s.c.Tally.Store)
	}

	s.service.votes = tally.NewBreaker(counter, tally.BreakerConfig{
		Name:        "tally_" + s.c.Tally.Store,
		Failures:    s.c.Tally.BreakerFailures,
		OpenTimeout: s.c.Tally.BreakerTimeout,
	})

	s.service.presence = presence.NewService(presence.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Prefix,
	})

	rc := s.c.Realtime
	s.service.hub = ws.NewHub(ws.Config{
		ConnectionTimeout: rc.ConnectionTimeout,
		WriteTimeout:      rc.WriteTimeout,
		SendBuffer:        rc.SendBuffer,
		MessageRate:       rc.MessageRate,
		MessageBurst:      rc.MessageBurst,
		AllowedOrigins:    rc.AllowedOrigins,
	})

	s.service.manager = realtime.NewManager(realtime.ManagerConfig{
		Transport:         s.service.hub,
		HeartbeatInterval: rc.HeartbeatInterval,
		Activity:          s.service.presence.Touch,
	})
	s.service.hub.SetHandler(s.service.manager)

	s.service.broadcaster = realtime.NewBroadcaster(realtime.BroadcasterConfig{
		EventBus:  s.eb,
		Transport: s.service.hub,
		Votes:     s.service.votes,
	})

	return s.service.broadcaster.Subscribe()
}

func (s *Server) initAPI() {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor()...)

	s.service.api = api.New(api.Config{
		Router:        e,
		GRPC:          s.grpc,
		EventBus:      s.eb,
		Socket:        s.service.hub,
		Connections:   s.service.manager,
		Broadcaster:   s.service.broadcaster,
		Presence:      s.service.presence,
		Redis:         s.infra.redis,
		EventsChannel: s.c.Ingest.Channel,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Handler serves the HTTP routes, including the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() {
	ctx := s.consumeCtx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "server: gRPC listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, "server: gRPC listening", "port", s.c.GRPC.Port)
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, "server: HTTP listening", "port", s.c.HTTP.Port)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return s.service.api.ConsumeEvents(ctx)
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown stops ingesting events, delivers the queued ones to the open sockets,
// then closes every socket.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.service.api.Shutdown()
	s.consume()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()
	s.service.broadcaster.Unsubscribe()

	if err := s.service.hub.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown WebSocket hub failed", "error", err)
	}
	s.service.manager.Cleanup(ctx)

	s.grpc.GracefulStop()
	s.closeInfra()

	slog.InfoContext(ctx, "server: shutdown completed")
}

func (s *Server) closeInfra() {
	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.Error("server: close redis failed", "error", err)
		}
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}
}
