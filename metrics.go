package conductor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_events_total",
		Help: "Events dispatched, by kind and target queue.",
	}, []string{"kind", "queue"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_events_dropped_total",
		Help: "Events dropped because no handler matched.",
	}, []string{"kind"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conductor_queue_depth",
		Help: "Pending plus running jobs per queue.",
	}, []string{"queue"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_queue_jobs_total",
		Help: "Completed queue jobs, by outcome.",
	}, []string{"queue", "outcome"})

	agentRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_agent_runs_total",
		Help: "Supervised agent runs, by agent, task and outcome.",
	}, []string{"agent", "task", "outcome"})

	agentRunSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conductor_agent_run_seconds",
		Help:    "Wall-clock duration of supervised agent runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"agent"})

	agentCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_agent_cost_usd_total",
		Help: "Cumulative reported agent spend.",
	})

	pollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_poll_ticks_total",
		Help: "Document-store polling ticks, by outcome.",
	}, []string{"outcome"})

	ciFailureClasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_ci_failures_total",
		Help: "Classified CI failures.",
	}, []string{"class"})
)
