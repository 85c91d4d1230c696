// Package metrics holds the Prometheus collectors shared across the three
// binaries. All collectors register on the default registry via promauto;
// each binary serves them with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MissionsSubmitted counts kernel mission submissions by outcome
	// (created, deduped).
	MissionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_missions_submitted_total",
		Help: "Mission submissions accepted by the kernel, by outcome.",
	}, []string{"outcome"})

	// MissionsClaimed counts successful claims handed to workers.
	MissionsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_missions_claimed_total",
		Help: "Missions claimed from the queue.",
	})

	// MissionsCompleted counts missions finished under a valid lease.
	MissionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_missions_completed_total",
		Help: "Missions completed successfully.",
	})

	// MissionsFailed counts failure reports by class (retryable, permanent).
	MissionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_missions_failed_total",
		Help: "Mission failure reports, by failure class.",
	}, []string{"class"})

	// DispatcherEvents counts broker messages by processing result
	// (created, deduped, parse_error, validation_error, kernel_error,
	// dropped).
	DispatcherEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_dispatcher_events_total",
		Help: "Broker events handled by the dispatcher, by result.",
	}, []string{"result"})

	// BreakerTriggers counts circuit breaker trips by rule and action.
	BreakerTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_breaker_triggers_total",
		Help: "Circuit breaker trigger events, by rule and action.",
	}, []string{"rule", "action"})

	// ReadinessScore is the latest overall readiness score (0..1).
	ReadinessScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_readiness_score",
		Help: "Overall autonomy readiness score from the latest assessment.",
	})

	// ProposalTransitions counts command proposal state transitions by
	// resulting status.
	ProposalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_proposal_transitions_total",
		Help: "Command proposal transitions, by resulting status.",
	}, []string{"status"})

	// ToolCallDuration observes tool invocation latency per tool.
	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_tool_call_duration_seconds",
		Help:    "Tool invocation duration observed by the mission runtime.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)
