// Package metrics exposes Prometheus collectors for forecast ingestion,
// option changes, aggregate rebuilds, the task executor and notifications.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForecastsSubmittedTotal counts accepted forecasts by source.
	ForecastsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecast_submissions_total",
			Help: "Total number of accepted forecast submissions",
		},
		[]string{"source"},
	)

	// ForecastsRejectedTotal counts submissions rejected by validation.
	ForecastsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forecast_submissions_rejected_total",
			Help: "Total number of forecast submissions rejected by validation",
		},
	)

	ForecastsWithdrawnTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forecast_withdrawals_total",
			Help: "Total number of forecast withdrawals",
		},
	)

	// OptionChangesTotal counts multiple-choice option mutations by operation.
	OptionChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "question_option_changes_total",
			Help: "Total number of multiple-choice option changes",
		},
		[]string{"operation"},
	)

	AggregateRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aggregate_rebuild_duration_seconds",
			Help:    "Duration of aggregate history rebuilds in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// AggregateRowsWrittenTotal counts reconciled rows by action (updated, created, deleted).
	AggregateRowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregate_rows_written_total",
			Help: "Total number of aggregate rows written by reconciliation",
		},
		[]string{"action"},
	)

	LeaseContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aggregate_lease_contention_total",
			Help: "Total number of rebuilds deferred because the question lease was held",
		},
	)

	// TasksTotal counts task outcomes by task name and outcome
	// (done, retry, deferred, failed).
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_processed_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"name", "outcome"},
	)

	TasksScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_scheduled_total",
			Help: "Total number of tasks scheduled, including coalesced requests",
		},
		[]string{"name", "coalesced"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of notifications by kind and delivery result",
		},
		[]string{"kind", "result"},
	)
)

func RecordAggregateRebuild(method string, d time.Duration, updated, created, deleted int) {
	AggregateRebuildDuration.WithLabelValues(method).Observe(d.Seconds())
	AggregateRowsWrittenTotal.WithLabelValues("updated").Add(float64(updated))
	AggregateRowsWrittenTotal.WithLabelValues("created").Add(float64(created))
	AggregateRowsWrittenTotal.WithLabelValues("deleted").Add(float64(deleted))
}

func RecordTask(name, outcome string) {
	TasksTotal.WithLabelValues(name, outcome).Inc()
}

func RecordScheduled(name string, coalesced bool) {
	label := "false"
	if coalesced {
		label = "true"
	}
	TasksScheduledTotal.WithLabelValues(name, label).Inc()
}

func RecordNotification(kind, result string) {
	NotificationsTotal.WithLabelValues(kind, result).Inc()
}
