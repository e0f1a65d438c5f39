// Package metrics holds the Prometheus collectors shared by the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState reports 1 for the state the connection is in and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Current connection state (1 = active state)",
	}, []string{"state"})

	// ReconnectDecisions counts reconnection strategy outcomes.
	ReconnectDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconnect_decisions_total",
		Help: "Reconnection strategy decisions by kind",
	}, []string{"decision"})

	// TokenRefreshes counts completed token refresh flows by result.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_token_refresh_total",
		Help: "Token refresh flows by result",
	}, []string{"result"})

	// EventsDecoded counts decoded events by type.
	EventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_decoded_total",
		Help: "Decoded inbound events by type",
	}, []string{"type"})

	// DecodeErrors counts frames and events dropped because they could not
	// be decoded or mapped to rows.
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_decode_errors_total",
		Help: "Inbound frames and events dropped as malformed",
	})

	// FlushDuration tracks how long a batch takes to persist and dispatch.
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_flush_duration_seconds",
		Help:    "Time to persist and dispatch one event batch",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// FlushBatchSize tracks the number of events per flushed batch.
	FlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_flush_batch_size",
		Help:    "Events per flushed batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// FlushFailures counts batches whose persistence transaction failed.
	FlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_flush_failures_total",
		Help: "Event batches that failed to persist",
	})

	// FakeServerClients reports connected clients on the development backend.
	FakeServerClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_fakeserver_clients",
		Help: "WebSocket clients connected to the development server",
	})
)

var connectionStates = []string{"initialized", "connecting", "connected", "disconnecting", "disconnected"}

// SetConnectionState marks state as the active connection state.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// ObserveFlush records one flushed batch.
func ObserveFlush(size int, duration time.Duration, failed bool) {
	FlushBatchSize.Observe(float64(size))
	FlushDuration.Observe(duration.Seconds())
	if failed {
		FlushFailures.Inc()
	}
}
