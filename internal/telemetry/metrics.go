// Package telemetry holds the Prometheus metrics for the pipeline.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the task pipeline.
type Metrics struct {
	// Intake
	TasksAcceptedTotal *prometheus.CounterVec

	// Resolver
	StepsTotal   *prometheus.CounterVec
	StepDuration prometheus.Histogram

	// Outcomes
	TasksArchivedTotal *prometheus.CounterVec
	EventsTotal        *prometheus.CounterVec
	NotifyDropsTotal   prometheus.Counter
}

// NewMetrics creates and registers the pipeline metrics.
//
// sync.Once guards registration so repeated calls (including from tests)
// never panic with a duplicate collector.
//
// Metrics:
//   - chatops_tasks_accepted_total{intent} - tasks routed into the queue
//   - chatops_resolver_steps_total{status} - resolver invocations by outcome
//   - chatops_resolver_step_duration_seconds - histogram of step times
//   - chatops_tasks_archived_total{phase} - terminal tasks by final phase
//   - chatops_events_total{event} - events appended to the log
//   - chatops_notify_drops_total - notifications that failed delivery
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksAcceptedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatops_tasks_accepted_total",
					Help: "Total number of tasks routed into the queue",
				},
				[]string{"intent"},
			),
			StepsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatops_resolver_steps_total",
					Help: "Total number of resolver invocations by outcome",
				},
				[]string{"status"},
			),
			StepDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "chatops_resolver_step_duration_seconds",
					Help:    "Duration of resolver steps",
					Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
				},
			),
			TasksArchivedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatops_tasks_archived_total",
					Help: "Total number of tasks archived, by final phase",
				},
				[]string{"phase"},
			),
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chatops_events_total",
					Help: "Total number of events appended to the log",
				},
				[]string{"event"},
			),
			NotifyDropsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "chatops_notify_drops_total",
					Help: "Total number of notifications that failed delivery",
				},
			),
		}
	})
	return globalMetrics
}
