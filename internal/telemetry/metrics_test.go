package telemetry_test

import (
	stderrors "errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/livepoll/realtime/internal/telemetry"
)

func TestObserveBusFailure(t *testing.T) {
	c := telemetry.BusHandlerFailures.WithLabelValues("vote:accepted")
	before := testutil.ToFloat64(c)

	telemetry.ObserveBusFailure("vote:accepted", stderrors.New("boom"))
	telemetry.ObserveBusFailure("vote:accepted", stderrors.New("boom"))

	assert.Equal(t, before+2, testutil.ToFloat64(c))
}
