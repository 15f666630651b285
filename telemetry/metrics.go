// Package telemetry provides Prometheus metrics, correlation-id aware
// logging helpers, and OpenTelemetry tracing setup for the chat service.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesTotal      prometheus.Counter
	MessagesFiltered   prometheus.Counter
	JoinsTotal         prometheus.Counter
	ChatErrorsTotal    prometheus.Counter
	SupporterGrants    prometheus.Counter
	AuthVerifications  prometheus.Counter
	AuthFailures       prometheus.Counter
	TipWebhooksTotal   prometheus.Counter
	FramesDroppedTotal prometheus.Counter

	// Histograms (seconds)
	VerifyDuration prometheus.Observer

	// Gauges
	ConnectionsGauge prometheus.Gauge
	RoomMembersGauge *prometheus.GaugeVec
	SessionsGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_total", Help: "Chat messages accepted into a room log"})
		MessagesFiltered = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_filtered_total", Help: "Chat messages altered by the content filter"})
		JoinsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_joins_total", Help: "Successful room joins"})
		ChatErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_errors_total", Help: "Error frames sent to clients"})
		SupporterGrants = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_supporter_grants_total", Help: "New supporter allow-list grants"})
		AuthVerifications = promauto.NewCounter(prometheus.CounterOpts{Name: "auth_verifications_total", Help: "Successful signature verifications"})
		AuthFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "auth_failures_total", Help: "Failed signature verifications"})
		TipWebhooksTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "tip_webhooks_total", Help: "Tip webhook deliveries accepted"})
		FramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_frames_dropped_total", Help: "Outbound frames dropped on slow connections"})
		VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "auth_verify_duration_seconds", Help: "Signature verification duration seconds", Buckets: prometheus.DefBuckets})
		ConnectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connections_active", Help: "Open chat WebSocket connections"})
		RoomMembersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_room_members", Help: "Current members per room"}, []string{"room"})
		SessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "auth_sessions_active", Help: "Unexpired authentication sessions"})
	})
}

// IncMessages records one accepted message, and whether moderation altered it.
func IncMessages(filtered bool) {
	if MessagesTotal != nil {
		MessagesTotal.Inc()
	}
	if filtered && MessagesFiltered != nil {
		MessagesFiltered.Inc()
	}
}

func IncJoins() {
	if JoinsTotal != nil {
		JoinsTotal.Inc()
	}
}

func IncChatErrors() {
	if ChatErrorsTotal != nil {
		ChatErrorsTotal.Inc()
	}
}

func IncSupporterGrants() {
	if SupporterGrants != nil {
		SupporterGrants.Inc()
	}
}

func IncAuthResult(ok bool) {
	if ok {
		if AuthVerifications != nil {
			AuthVerifications.Inc()
		}
	} else if AuthFailures != nil {
		AuthFailures.Inc()
	}
}

func IncTipWebhooks() {
	if TipWebhooksTotal != nil {
		TipWebhooksTotal.Inc()
	}
}

func IncFramesDropped() {
	if FramesDroppedTotal != nil {
		FramesDroppedTotal.Inc()
	}
}

// SetRoomMembers records the current member count of a room.
func SetRoomMembers(room string, n int) {
	if RoomMembersGauge != nil {
		RoomMembersGauge.WithLabelValues(room).Set(float64(n))
	}
}

// AddConnections adjusts the active connection gauge by delta.
func AddConnections(delta int) {
	if ConnectionsGauge != nil {
		ConnectionsGauge.Add(float64(delta))
	}
}

// SetActiveSessions records the number of unexpired sessions.
func SetActiveSessions(n int) {
	if SessionsGauge != nil {
		SessionsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
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
