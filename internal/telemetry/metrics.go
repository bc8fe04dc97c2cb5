package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arena"

var (
	// JudgeRuns counts single test case executions by path (remote, fallback) and verdict.
	JudgeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "judge",
		Name:      "runs_total",
		Help:      "Test case executions by execution path and verdict.",
	}, []string{"path", "verdict"})

	JudgeRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "judge",
		Name:      "run_duration_seconds",
		Help:      "Wall clock duration of a single test case execution.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"path"})

	JudgeRemoteHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "judge",
		Name:      "remote_healthy",
		Help:      "1 when the last remote judge health check succeeded.",
	})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "match",
		Name:      "submissions_total",
		Help:      "Submissions by kind (match, practice) and overall verdict.",
	}, []string{"kind", "verdict"})

	MatchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "match",
		Name:      "completed_total",
		Help:      "Completed matches by outcome (winner, draw, forfeit).",
	}, []string{"outcome"})
)
