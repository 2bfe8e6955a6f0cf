package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics methods are nil-safe so components can run without a registry.
type Metrics struct {
	messagesTotal     *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	connectionState   *prometheus.GaugeVec
	queueDepth        *prometheus.GaugeVec
	drainDuration     prometheus.Histogram
	readReceipts      *prometheus.CounterVec
	listenerPanics    *prometheus.CounterVec
	gatherer          prometheus.Gatherer
	logger            *zap.Logger
}

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting", "error", "failed"}

func NewMetrics(reg *prometheus.Registry, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rally_chat_messages_total",
				Help: "Messages by outcome (sent, failed, queued, received)",
			},
			[]string{"outcome"},
		),
		reconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rally_chat_reconnect_attempts_total",
				Help: "Automatic reconnect attempts",
			},
		),
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rally_chat_connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rally_chat_offline_queue_depth",
				Help: "Queued offline messages per room",
			},
			[]string{"room_id"},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rally_chat_offline_drain_duration_seconds",
				Help:    "Offline queue drain pass duration",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		readReceipts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rally_chat_read_receipts_total",
				Help: "Read receipt network calls by kind (single, batch)",
			},
			[]string{"kind"},
		),
		listenerPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rally_chat_listener_failures_total",
				Help: "Listener callbacks that panicked",
			},
			[]string{"registry"},
		),
		gatherer: reg,
		logger:   logger,
	}

	reg.MustRegister(
		m.messagesTotal,
		m.reconnectAttempts,
		m.connectionState,
		m.queueDepth,
		m.drainDuration,
		m.readReceipts,
		m.listenerPanics,
	)

	return m
}

func (m *Metrics) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetQueueDepth(roomID string, depth int) {
	if m == nil {
		return
	}
	if depth == 0 {
		m.queueDepth.DeleteLabelValues(roomID)
		return
	}
	m.queueDepth.WithLabelValues(roomID).Set(float64(depth))
}

func (m *Metrics) RecordDrain(duration time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordReadReceipt(kind string) {
	if m == nil {
		return
	}
	m.readReceipts.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordListenerFailures(registry string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.listenerPanics.WithLabelValues(registry).Add(float64(n))
}

// Start serves /metrics, and /health when health is non-nil, until ctx is
// done.
func (m *Metrics) Start(ctx context.Context, port int, health *Health) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	if health != nil {
		mux.Handle("/health", health)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.logger.Info("metrics server starting", zap.Int("port", port))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
