package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis instruments a client with OpenTelemetry tracing and metrics and
// logs every command at debug level.
func MonitorRedis(r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{})
	return nil
}

type redisLog struct{}

func (redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "addr", addr, "error", err)
			return nil, err
		}
		slog.DebugContext(ctx, "redis: dialed", "network", network, "addr", addr)
		return conn, nil
	}
}

func (redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		logCommand(ctx, cmd.Name(), 1, time.Since(start), err)
		return err
	}
}

func (redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		name := "pipeline"
		if len(cmds) > 0 {
			name = cmds[0].Name()
		}
		logCommand(ctx, name, len(cmds), time.Since(start), err)
		return err
	}
}

func logCommand(ctx context.Context, name string, n int, d time.Duration, err error) {
	if err != nil && !stderrors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "redis: command failed", "cmd", name, "cmds", n, "duration", d, "error", err)
		return
	}
	slog.DebugContext(ctx, "redis: command", "cmd", name, "cmds", n, "duration", d)
}
