// Package tally reads the current votes of a poll for vote:accepted enrichment.
package tally

import (
	"context"
	"time"

	"github.com/livepoll/realtime/internal/domain"
	"github.com/livepoll/realtime/internal/event"
	"github.com/livepoll/realtime/internal/telemetry"
)

// Counter is implemented by every vote store of this package.
type Counter interface {
	Tally(ctx context.Context, pollID string) (domain.Tally, error)
}

var nowFunc = time.Now

func observe(store string) func() {
	h := telemetry.TallyDuration.WithLabelValues(store)
	start := nowFunc()
	return func() { h.Observe(nowFunc().Sub(start).Seconds()) }
}

func payload[P domain.Payload](e event.Event) (P, bool) {
	var zero P
	de, ok := e.(domain.Event)
	if !ok {
		return zero, false
	}
	p, ok := de.Payload.(P)
	return p, ok
}
