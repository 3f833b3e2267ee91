// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TicksTotal          prometheus.Counter
	ReconcilesTotal     prometheus.Counter
	ReconcilesFailed    prometheus.Counter
	SessionsStarted     prometheus.Counter
	SessionsEnded       prometheus.Counter
	NotificationsSent   prometheus.Counter
	NotificationsEdited prometheus.Counter
	NotificationsFailed prometheus.Counter

	// Gauges
	LiveChannelsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TicksTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_ticks_total", Help: "Number of completed polling ticks"})
		ReconcilesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_reconciles_total", Help: "Number of per-channel reconcile invocations"})
		ReconcilesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_reconciles_failed_total", Help: "Number of reconcile invocations that returned an error"})
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_sessions_started_total", Help: "Number of stream sessions opened"})
		SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_sessions_ended_total", Help: "Number of stream sessions closed"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_notifications_sent_total", Help: "Number of webhook messages created"})
		NotificationsEdited = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_notifications_edited_total", Help: "Number of webhook message edits"})
		NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "livebot_notifications_failed_total", Help: "Number of webhook sends/edits that failed"})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "livebot_live_channels", Help: "Channels currently mid-session"})
	})
}

// SetLiveChannels records how many channels have an open session.
func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
