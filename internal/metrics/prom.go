// Package metrics exposes Prometheus instrumentation for the OPI server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opi_build_info",
			Help: "Build information",
		},
		[]string{"version", "sha", "date"},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opi_commands_total",
			Help: "Commands handled, by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opi_command_duration_seconds",
			Help:    "Time spent handling one command, backend call included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "machine"},
	)

	validationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opi_validation_errors_total",
			Help: "Rejected requests by validation failure reason",
		},
		[]string{"command", "reason"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opi_sessions_active",
			Help: "Open client sessions",
		},
	)

	telemetrySamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opi_telemetry_samples_total",
			Help: "Eye telemetry samples by outcome (delivered, stale, dropped, failed)",
		},
		[]string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, commands, commandDuration, validationErrors, activeSessions, telemetrySamples)
}

// SetBuildInfo sets the build info metric for the server.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(version, sha, date).Set(1)
}

// RecordCommand increments the command counter. outcome is "ok" or the reply
// error code.
func RecordCommand(command, outcome string) {
	commands.WithLabelValues(command, outcome).Inc()
}

// ObserveCommandDuration records the duration of one command.
func ObserveCommandDuration(command, machine string, d time.Duration) {
	commandDuration.WithLabelValues(command, machine).Observe(d.Seconds())
}

// RecordValidationError counts a rejected request.
func RecordValidationError(command, reason string) {
	validationErrors.WithLabelValues(command, reason).Inc()
}

// SessionOpened bumps the active session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed lowers the active session gauge.
func SessionClosed() { activeSessions.Dec() }

// RecordTelemetry counts n samples with the given outcome.
func RecordTelemetry(outcome string, n int) {
	if n <= 0 {
		return
	}
	telemetrySamples.WithLabelValues(outcome).Add(float64(n))
}
