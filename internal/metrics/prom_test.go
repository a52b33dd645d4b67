package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(reg) })
	// registering twice on the same registry must fail loudly
	assert.Panics(t, func() { Register(reg) })
}

func TestRecordCommand(t *testing.T) {
	before := testutil.ToFloat64(commands.WithLabelValues("present", "ok"))
	RecordCommand("present", "ok")
	RecordCommand("present", "ok")
	assert.Equal(t, before+2, testutil.ToFloat64(commands.WithLabelValues("present", "ok")))
}

func TestSessionsGauge(t *testing.T) {
	before := testutil.ToFloat64(activeSessions)
	SessionOpened()
	SessionOpened()
	SessionClosed()
	assert.Equal(t, before+1, testutil.ToFloat64(activeSessions))
	SessionClosed()
}

func TestRecordTelemetryIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(telemetrySamples.WithLabelValues("stale"))
	RecordTelemetry("stale", 0)
	RecordTelemetry("stale", -3)
	RecordTelemetry("stale", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(telemetrySamples.WithLabelValues("stale")))
}

func TestObserveCommandDuration(t *testing.T) {
	ObserveCommandDuration("query", "Simulation", 3*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(commandDuration))
}
