// Package metrics exposes the engine's prometheus collectors. Collectors
// are registered on the default registry; embedding programs serve them
// with promhttp or collect them into their own registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversation metrics
	ConversationsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoflow_conversations_started_total",
			Help: "Total conversations started",
		},
	)

	ConversationsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_conversations_ended_total",
			Help: "Total conversations ended",
		},
		[]string{"status"}, // "completed", "stopped", "timeout", ...
	)

	StepsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoflow_steps_dispatched_total",
			Help: "Total conversation steps dispatched to the transport",
		},
	)

	// Delivery metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_deliveries_total",
			Help: "Total transport deliveries",
		},
		[]string{"outcome"}, // "delivered", "sent", "failed"
	)

	// Scheduler metrics
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convoflow_tick_duration_seconds",
			Help:    "Scheduler tick duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoflow_tasks_active",
			Help: "Tasks currently scheduled",
		},
	)

	// Script service metrics
	ScriptFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_script_fetches_total",
			Help: "Total script lookups against the script provider",
		},
		[]string{"outcome"}, // "hit", "miss", "error"
	)

	// External API metrics
	APICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_api_calls_total",
			Help: "Total external JSON API calls issued by conversation steps",
		},
		[]string{"outcome"}, // "ok", "error"
	)
)
