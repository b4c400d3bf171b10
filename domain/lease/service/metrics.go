// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relay_lease"

// Collector is a prometheus.Collector for lease factory activity.
type Collector struct {
	acquires *prometheus.CounterVec
	renewals prometheus.Counter
	losses   prometheus.Counter
}

// NewMetricsCollector returns a new Collector. The store ID becomes a
// constant label, so one registry can carry a collector per store.
func NewMetricsCollector(storeID string) *Collector {
	labels := prometheus.Labels{"store": storeID}
	return &Collector{
		acquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "acquires_total",
				Help:        "The number of lease acquisition attempts, by outcome.",
				ConstLabels: labels,
			}, []string{"outcome"},
		),
		renewals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "renewals_total",
				Help:        "The number of successful lease renewals.",
				ConstLabels: labels,
			},
		),
		losses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "losses_total",
				Help:        "The number of leases lost before release.",
				ConstLabels: labels,
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.acquires.Describe(ch)
	c.renewals.Describe(ch)
	c.losses.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.acquires.Collect(ch)
	c.renewals.Collect(ch)
	c.losses.Collect(ch)
}
