package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/telemetry"
)

// ConsumeEvents dispatches the domain events published by collaborators on the
// events channel until ctx is done. Malformed messages are logged and skipped.
func (a *API) ConsumeEvents(ctx context.Context) error {
	if a.redis == nil || a.channel == "" {
		<-ctx.Done()
		return nil
	}

	ps := a.redis.Subscribe(ctx, a.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("pubsub: subscribe %s: %w", a.channel, err)
	}
	slog.InfoContext(ctx, "pubsub: consuming events", "channel", a.channel)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			a.consume(ctx, []byte(msg.Payload))
		}
	}
}

func (a *API) consume(ctx context.Context, b []byte) {
	var e domain.Event
	if err := json.Unmarshal(b, &e); err != nil {
		telemetry.EventsRejected.WithLabelValues("pubsub").Inc()
		slog.WarnContext(ctx, "pubsub: malformed event, skipped", "channel", a.channel, "error", err)
		return
	}

	a.eb.Dispatch(ctx, e)
	telemetry.EventsIngested.WithLabelValues("pubsub", e.Name()).Inc()
}
