// Package telemetry provides Prometheus metrics for both connections and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onnwee/tmilink/lifecycle"
)

// Connection label values.
const (
	ConnChat     = "chat"
	ConnEventSub = "eventsub"
)

var states = []lifecycle.State{
	lifecycle.Disconnected,
	lifecycle.Connecting,
	lifecycle.Open,
	lifecycle.Reconnecting,
	lifecycle.Closed,
}

var (
	once sync.Once

	// Gauges
	ConnectionState *prometheus.GaugeVec // connection, state; 1 for the current state
	Latency         *prometheus.GaugeVec // connection; seconds

	// Counters
	ReconnectAttempts  *prometheus.CounterVec // connection
	MaxReconnect       *prometheus.CounterVec // connection
	Correlations       *prometheus.CounterVec // connection, outcome
	Notifications      *prometheus.CounterVec // subscription_type
	Revocations        *prometheus.CounterVec // subscription_type
	SubscriptionErrors *prometheus.CounterVec // subscription_type
	ObserverDrops      *prometheus.CounterVec // connection, stream
	ChatRecorded       prometheus.Counter
	ChatRecordFailures prometheus.Counter

	// Histograms (seconds)
	HandshakeDuration *prometheus.HistogramVec // connection
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tmilink_connection_state", Help: "Current connection state (1 for the active state)"}, []string{"connection", "state"})
		Latency = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "tmilink_latency_seconds", Help: "Most recent keepalive round-trip latency"}, []string{"connection"})
		ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tmilink_reconnect_attempts_total", Help: "Reconnect attempts scheduled"}, []string{"connection"})
		MaxReconnect = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tmilink_max_reconnect_total", Help: "Times the reconnect attempt limit was reached"}, []string{"connection"})
		Correlations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tmilink_correlations_total", Help: "Correlation outcomes"}, []string{"connection", "outcome"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tmilink_eventsub_notifications_total", Help: "EventSub notifications received"}, []string{"subscription_type"})
		Revocations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tmilink_eventsub_revocations_total", Help: "EventSub subscriptions revoked by the server"}, []string{"subscription_type"})
		SubscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tmilink_eventsub_subscription_errors_total", Help: "Failed subscribe or unsubscribe calls"}, []string{"subscription_type"})
		ObserverDrops = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tmilink_observer_drops_total", Help: "Deliveries skipped because an observer buffer was full"}, []string{"connection", "stream"})
		ChatRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "tmilink_chat_messages_recorded_total", Help: "Chat messages persisted by the recorder"})
		ChatRecordFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "tmilink_chat_record_failures_total", Help: "Chat messages the recorder failed to persist"})
		HandshakeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "tmilink_handshake_duration_seconds", Help: "Time from dial to welcome", Buckets: prometheus.DefBuckets}, []string{"connection"})
	})
}

// SetConnectionState marks s as the current state of conn.
func SetConnectionState(conn string, s lifecycle.State) {
	if ConnectionState == nil {
		return
	}
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		ConnectionState.WithLabelValues(conn, st.String()).Set(v)
	}
}

// SetLatency records the latest round-trip latency of conn.
func SetLatency(conn string, d time.Duration) {
	if Latency != nil {
		Latency.WithLabelValues(conn).Set(d.Seconds())
	}
}

// IncReconnect counts a scheduled reconnect attempt.
func IncReconnect(conn string) {
	if ReconnectAttempts != nil {
		ReconnectAttempts.WithLabelValues(conn).Inc()
	}
}

// IncMaxReconnect counts reaching the reconnect limit.
func IncMaxReconnect(conn string) {
	if MaxReconnect != nil {
		MaxReconnect.WithLabelValues(conn).Inc()
	}
}

// ObserveCorrelation counts one correlation outcome.
func ObserveCorrelation(conn, outcome string) {
	if Correlations != nil {
		Correlations.WithLabelValues(conn, outcome).Inc()
	}
}

// IncNotification counts an EventSub notification.
func IncNotification(subType string) {
	if Notifications != nil {
		Notifications.WithLabelValues(subType).Inc()
	}
}

// IncRevocation counts a revoked subscription.
func IncRevocation(subType string) {
	if Revocations != nil {
		Revocations.WithLabelValues(subType).Inc()
	}
}

// IncSubscriptionError counts a failed subscription call.
func IncSubscriptionError(subType string) {
	if SubscriptionErrors != nil {
		SubscriptionErrors.WithLabelValues(subType).Inc()
	}
}

// IncObserverDrop counts a value an observer missed because its buffer was full.
func IncObserverDrop(conn, stream string) {
	if ObserverDrops != nil {
		ObserverDrops.WithLabelValues(conn, stream).Inc()
	}
}

// IncChatRecorded counts a persisted chat message.
func IncChatRecorded() {
	if ChatRecorded != nil {
		ChatRecorded.Inc()
	}
}

// IncChatRecordFailure counts a chat message that could not be persisted.
func IncChatRecordFailure() {
	if ChatRecordFailures != nil {
		ChatRecordFailures.Inc()
	}
}

// ObserveHandshake records the dial-to-welcome time.
func ObserveHandshake(conn string, d time.Duration) {
	if HandshakeDuration != nil {
		HandshakeDuration.WithLabelValues(conn).Observe(d.Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
