// Package metrics exposes the Prometheus instrumentation for the server's
// ambient observability concerns, using github.com/prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedSockets is the number of live, registered sockets.
	ConnectedSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtimecore_connected_sockets",
		Help: "Number of currently registered websocket connections.",
	})

	// ActiveAIStreams is the number of conversations with an in-flight AI
	// stream.
	ActiveAIStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtimecore_active_ai_streams",
		Help: "Number of conversations with an AI stream currently STREAMING.",
	})

	// ActiveCalls is the number of calls not yet in a terminal state.
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtimecore_active_calls",
		Help: "Number of calls not yet in a terminal state.",
	})

	// EventsHandled counts inbound events processed, labeled by type and
	// outcome.
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtimecore_events_handled_total",
		Help: "Inbound events processed, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// EventHandlingLatency histograms end-to-end handler latency by event
	// type.
	EventHandlingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realtimecore_event_handling_seconds",
		Help:    "Time to handle one inbound event, by event type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
)
