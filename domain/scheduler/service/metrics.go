// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relay_scheduler"

// Collector is a prometheus.Collector for scheduler runner activity.
type Collector struct {
	timersDispatched  prometheus.Counter
	jobRunsDispatched prometheus.Counter
	runsSkipped       prometheus.Counter
}

// NewMetricsCollector returns a new Collector. The store ID becomes a
// constant label, so one registry can carry a collector per store.
func NewMetricsCollector(storeID string) *Collector {
	labels := prometheus.Labels{"store": storeID}
	return &Collector{
		timersDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "timers_dispatched_total",
				Help:        "The number of one-shot timers dispatched to the outbox.",
				ConstLabels: labels,
			},
		),
		jobRunsDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "job_runs_dispatched_total",
				Help:        "The number of job runs dispatched to the outbox.",
				ConstLabels: labels,
			},
		),
		runsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "runs_skipped_total",
				Help:        "The number of runner passes skipped because the lease was held elsewhere.",
				ConstLabels: labels,
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.timersDispatched.Describe(ch)
	c.jobRunsDispatched.Describe(ch)
	c.runsSkipped.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.timersDispatched.Collect(ch)
	c.jobRunsDispatched.Collect(ch)
	c.runsSkipped.Collect(ch)
}
