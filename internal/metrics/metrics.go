// Package metrics holds the Prometheus collectors shared by the controller,
// the election manager and the participant runtime. They register with the
// default registry, which the telemetry server exposes on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clusterd"

var (
	electionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "transitions_total",
			Help:      "Election state changes by target state.",
		},
		[]string{"cluster", "instance", "state"},
	)

	leading = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "leading",
			Help:      "1 while this instance holds controller leadership.",
		},
		[]string{"cluster", "instance"},
	)

	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "pipeline_runs_total",
			Help:      "Reconciliation passes by outcome.",
		},
		[]string{"cluster", "outcome"},
	)

	pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"cluster"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "messages_sent_total",
			Help:      "State transition messages published.",
		},
		[]string{"cluster"},
	)

	messagesExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "messages_timed_out_total",
			Help:      "Messages marked TIMEOUT.",
		},
		[]string{"cluster"},
	)

	viewsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "external_views_written_total",
			Help:      "External views written or removed.",
		},
		[]string{"cluster"},
	)

	transitionsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "participant",
			Name:      "transitions_total",
			Help:      "Transition messages handled by outcome.",
		},
		[]string{"cluster", "instance", "outcome"},
	)
)

// ElectionState records a state change of the election manager.
func ElectionState(cluster, instance, state string, isLeader bool) {
	electionTransitions.WithLabelValues(cluster, instance, state).Inc()
	v := 0.0
	if isLeader {
		v = 1
	}
	leading.WithLabelValues(cluster, instance).Set(v)
}

// PipelineRun records one reconciliation pass.
func PipelineRun(cluster, outcome string, elapsed time.Duration) {
	pipelineRuns.WithLabelValues(cluster, outcome).Inc()
	pipelineDuration.WithLabelValues(cluster).Observe(elapsed.Seconds())
}

// PipelineResult adds the effects of one pass.
func PipelineResult(cluster string, sent, timedOut, views int) {
	if sent > 0 {
		messagesSent.WithLabelValues(cluster).Add(float64(sent))
	}
	if timedOut > 0 {
		messagesExpired.WithLabelValues(cluster).Add(float64(timedOut))
	}
	if views > 0 {
		viewsWritten.WithLabelValues(cluster).Add(float64(views))
	}
}

// Transition records the outcome of one participant transition.
func Transition(cluster, instance, outcome string) {
	transitionsHandled.WithLabelValues(cluster, instance, outcome).Inc()
}
