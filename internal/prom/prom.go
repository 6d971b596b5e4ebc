// Package prom registers the scheduling core's Prometheus collectors.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admissions counts groups admitted, by pool and priority class.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "scheduler",
		Name:      "admissions_total",
		Help:      "Number of groups admitted.",
	}, []string{"pool", "priority"})

	// Borrows counts LOW admissions that required cross-pool borrowing.
	Borrows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "scheduler",
		Name:      "borrows_total",
		Help:      "Number of admissions backed by borrowed capacity.",
	}, []string{"pool"})

	// Preemptions counts groups preempted to reclaim borrowed capacity.
	Preemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "scheduler",
		Name:      "preemptions_total",
		Help:      "Number of groups preempted.",
	}, []string{"pool"})

	// QueueDepth tracks the number of queued (unscheduled) groups per pool.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meridian",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Number of groups waiting for admission.",
	}, []string{"pool"})

	// TaskStates tracks the number of task instances per state.
	TaskStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meridian",
		Subsystem: "lifecycle",
		Name:      "task_states",
		Help:      "Number of task instances by state.",
	}, []string{"state"})
)
