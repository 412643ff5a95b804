package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsLaunchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_jobs_launched_total",
		Help: "Total number of job executions launched",
	}, []string{"job"})
	JobsInProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batch_jobs_in_progress",
		Help: "Number of job executions currently running",
	}, []string{"job"})
	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_jobs_completed_total",
		Help: "Total number of job executions completed successfully",
	}, []string{"job"})
	JobsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_jobs_failed_total",
		Help: "Total number of job executions that failed or stopped",
	}, []string{"job"})
	ChunksCommittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_chunks_committed_total",
		Help: "Total number of chunks committed",
	}, []string{"job", "step"})
	ItemsWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_items_written_total",
		Help: "Total number of items written by sinks",
	}, []string{"job", "step"})
	ItemsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_items_skipped_total",
		Help: "Total number of items dropped by transforms",
	}, []string{"job", "step"})
)

func init() {
	prometheus.MustRegister(JobsLaunchedTotal, JobsInProgress, JobsCompletedTotal, JobsFailedTotal,
		ChunksCommittedTotal, ItemsWrittenTotal, ItemsSkippedTotal)
}
