// Package metrics provides Prometheus instrumentation for the tasklink
// messaging subsystem. It exposes counters for pipeline throughput and push
// delivery, gauges for live gateway connections, and histograms for fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections on the gateway.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tasklink_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages through the pipeline, labeled by
	// moderation outcome: "approved", "rejected", or "invalid".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasklink_messages_total",
		Help: "Total number of messages processed by the pipeline",
	}, []string{"status"})

	// PushTotal counts push notification deliveries by result:
	// "sent", "error", or "skipped" (no device token).
	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasklink_push_total",
		Help: "Total number of push notification delivery attempts",
	}, []string{"result"})

	// UnreadClampTotal counts unread-counter decrements that had to be
	// clamped at zero. A nonzero rate signals duplicated read receipts.
	UnreadClampTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasklink_unread_clamp_total",
		Help: "Total unread-counter decrements clamped at zero",
	})

	// TypingSweptTotal counts expired typing indicators removed by the
	// janitor.
	TypingSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasklink_typing_swept_total",
		Help: "Total expired typing indicators removed by the janitor",
	})

	// FanoutLatency records time from event receipt to fan-out completion.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tasklink_fanout_latency_seconds",
		Help:    "Pipeline event processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		PushTotal,
		UnreadClampTotal,
		TypingSweptTotal,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
