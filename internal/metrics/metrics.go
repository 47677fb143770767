// Package metrics exposes prometheus counters for exam sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toeic_exam_transitions_total",
		Help: "Exam lifecycle transitions",
	}, []string{"from", "to"})

	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toeic_exam_rejections_total",
		Help: "Operations rejected by the exam state machine",
	}, []string{"op", "reason"})

	expiries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toeic_timer_expiries_total",
		Help: "Countdown expiries by applied policy",
	}, []string{"action"})

	gradings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toeic_gradings_total",
		Help: "Grading attempts by outcome",
	}, []string{"outcome"})

	gradingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "toeic_grading_latency_seconds",
		Help:    "Latency of grading collaborator calls",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "toeic_active_sessions",
		Help: "Sessions currently held in memory",
	})
)

// Transition counts a lifecycle change.
func Transition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// Rejection counts an operation the state machine refused.
func Rejection(op, reason string) {
	rejections.WithLabelValues(op, reason).Inc()
}

// Expiry counts an applied expiry policy.
func Expiry(action string) {
	expiries.WithLabelValues(action).Inc()
}

// Grading records the outcome and duration of a grading call.
func Grading(outcome string, took time.Duration) {
	gradings.WithLabelValues(outcome).Inc()
	gradingLatency.Observe(took.Seconds())
}

// SetActiveSessions reports the number of sessions held in memory.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
