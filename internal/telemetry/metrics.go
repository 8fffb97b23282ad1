package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimsTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "claims_total", Help: "Tasks successfully claimed"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "claim_conflicts_total", Help: "Claim attempts lost to a racing worker"})
	ClaimEmptyPolls  = prometheus.NewCounter(prometheus.CounterOpts{Name: "claim_empty_polls_total", Help: "Claim calls that found no eligible task"})
	DryRunCounts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dry_run_counts_total", Help: "Dry-run count requests served"})
	ReclaimsTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reclaims_total", Help: "Stale running tasks returned to the backlog"})
	ReclaimFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reclaim_failures_total", Help: "Stale tasks failed after exhausting the reclaim budget"})
	IntegrityErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrity_errors_total", Help: "Orphaned dependency references observed during selection"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Claim polls rejected by the rate limiter"})
	EligibleGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "eligible_tasks", Help: "Eligible task count from the most recent evaluation"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "running_tasks", Help: "Running task count from the most recent snapshot"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimsTotal,
			ClaimConflicts,
			ClaimEmptyPolls,
			DryRunCounts,
			ReclaimsTotal,
			ReclaimFailures,
			IntegrityErrors,
			RateLimitRejects,
			EligibleGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
