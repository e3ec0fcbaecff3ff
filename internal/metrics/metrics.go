// Package metrics provides Prometheus metrics for the feed bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DripReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbridge_drip_released_total",
		Help: "Overflow items promoted into the displayed list",
	})
	OverflowDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbridge_overflow_dropped_total",
		Help: "Overflow items dropped from the tail under sustained pressure",
	})
	DuplicatesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbridge_duplicates_filtered_total",
		Help: "Incoming assets whose identifier was already known",
	})
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedbridge_connection_state",
		Help: "Connection state per channel (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 disconnected)",
	}, []string{"channel"})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbridge_reconnect_attempts_total",
		Help: "Failed connection attempts that scheduled a retry",
	})
	StopMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedbridge_stop_messages_total",
		Help: "Stop messages sent on channel teardown",
	})
	HistoryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbridge_history_requests_total",
		Help: "History requests by result (ok, empty, debounced, inflight)",
	}, []string{"result"})
	BarsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbridge_bars_dropped_total",
		Help: "Bars not forwarded to a subscriber, by reason",
	}, []string{"reason"})
	Prefetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbridge_prefetch_total",
		Help: "Image prefetches by result (ok, error, cached)",
	}, []string{"result"})
)

func SetConnectionState(channel string, state int) {
	ConnectionState.WithLabelValues(channel).Set(float64(state))
}

func ObserveHistory(result string) {
	HistoryRequests.WithLabelValues(result).Inc()
}

func DropBar(reason string) {
	BarsDropped.WithLabelValues(reason).Inc()
}

func ObservePrefetch(result string) {
	Prefetches.WithLabelValues(result).Inc()
}

// ForgetChannel removes the state series of a torn down channel.
func ForgetChannel(channel string) {
	ConnectionState.DeleteLabelValues(channel)
}
