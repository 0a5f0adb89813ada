package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "papers_submitted_total", Help: "Paper jobs accepted for generation"})
	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "papers_started_total", Help: "Orchestrator runs started, including resumes"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "papers_completed_total", Help: "Paper jobs completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "papers_failed_total", Help: "Paper jobs marked failed"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "papers_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QuotaRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "papers_quota_rejects_total", Help: "Submissions rejected by the token quota pre-check"})

	PositionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "paper_positions_total", Help: "Position pipelines by terminal outcome"}, []string{"outcome"})
	PipelineRetries   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "paper_pipeline_retries_total", Help: "Position retries by cause"}, []string{"cause"})

	AgentCalls   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "paper_agent_calls_total", Help: "Generation calls by role and status"}, []string{"role", "status"})
	AgentLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_agent_call_seconds",
		Help:    "Generation call latency by role",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"role"})

	ProgressDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "paper_progress_events_dropped_total", Help: "Progress events dropped because a subscriber buffer was full"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "papers_queue_depth", Help: "Paper jobs waiting for a worker"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "papers_inflight", Help: "Paper jobs currently leased by workers"})
)

// Position outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeForced   = "forced"
	OutcomeSkipped  = "skipped"
)

// Retry causes.
const (
	CauseGenerate   = "generate"
	CauseQuality    = "quality"
	CauseDifficulty = "difficulty"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			RateLimitRejects,
			QuotaRejects,
			PositionsFinished,
			PipelineRetries,
			AgentCalls,
			AgentLatency,
			ProgressDropped,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
}
