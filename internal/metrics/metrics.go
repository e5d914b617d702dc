// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics provides the Prometheus-backed counters and gauges
// the evaluation core publishes: evals admitted per fault case, fetch
// RPC counts per kind, and the three sequence counters of spec §4.3.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the VM registers. New registers all
// collectors against reg eagerly so that a caller who forgets to wire
// a newly added metric gets a registration-time error in tests rather
// than a silently missing series in production.
type Metrics struct {
	Registry prometheus.Registerer

	EvalsTotal   *prometheus.CounterVec // label: fault case
	FetchesTotal *prometheus.CounterVec // labels: kind, outcome
	Uncommitted  prometheus.Gauge
	Committed    prometheus.Gauge
	Retired      prometheus.Gauge
	WriteLatency prometheus.Histogram
}

// New creates and registers the VM's metrics against reg. It returns
// an error rather than panicking so that callers embedding the VM in
// a larger process that already owns the registry can decide how to
// react to a name collision.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		Registry: reg,
		EvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evals_total",
			Help:      "Evaluations completed, by resulting fault case.",
		}, []string{"fault"}),
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Fetch coordinator RPCs issued, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Uncommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence_uncommitted",
			Help:      "Highest sequence handed out at write-phase entry.",
		}),
		Committed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence_committed",
			Help:      "Highest sequence whose transaction has been committed.",
		}),
		Retired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence_retired",
			Help:      "Highest sequence whose post-effects are fully published.",
		}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "Time from write-phase entry to retirement.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	collectors := []prometheus.Collector{
		m.EvalsTotal, m.FetchesTotal, m.Uncommitted, m.Committed, m.Retired, m.WriteLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewUnregistered builds the same collector set registered against a
// private, freshly created registry, for tests that want metrics
// populated but don't care about a Prometheus registry.
func NewUnregistered(namespace string) *Metrics {
	m, err := New(prometheus.NewRegistry(), namespace)
	if err != nil {
		panic(err) // unreachable: a fresh registry cannot collide
	}
	return m
}
