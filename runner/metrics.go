package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alabobai_runs_submitted_total",
		Help: "Task runs accepted by the runner.",
	})
	metricRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alabobai_runs_finished_total",
		Help: "Task runs that reached a terminal or blocked state.",
	}, []string{"state"})
	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alabobai_run_steps_total",
		Help: "Executed plan steps by result.",
	}, []string{"result"})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alabobai_run_retries_total",
		Help: "Retry attempts scheduled by the reconcile loop.",
	})
	metricStaleRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alabobai_run_stale_recoveries_total",
		Help: "Stale running runs demoted back to retrying by the watchdog.",
	})
	metricWatchdogTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alabobai_watchdog_ticks_total",
		Help: "Reconcile loop invocations.",
	})
)
