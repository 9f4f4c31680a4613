// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instruments for the render worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClipInflight tracks the number of clip tasks currently running.
	ClipInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_clip_inflight",
		Help: "Current number of concurrently running clip tasks",
	})

	// ClipDuration tracks per-clip wall time in milliseconds.
	ClipDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "render_clip_duration_ms",
		Help:    "Wall time per clip task in milliseconds",
		Buckets: prometheus.ExponentialBuckets(100, 2.0, 12), // 100ms to ~400s
	})

	// ClipFailures counts candidate and task level failures by reason.
	ClipFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_clip_failures_total",
		Help: "Total clip failures by reason",
	}, []string{"reason"})

	// ClipPlaceholders counts tasks that ended on the placeholder asset.
	ClipPlaceholders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "render_clip_placeholder_total",
		Help: "Total clip tasks resolved with the placeholder asset",
	})

	// AlignmentAvgDelta is the per-job average subtitle/picture alignment delta.
	AlignmentAvgDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_alignment_avg_delta_ms",
		Help: "Average per-line alignment delta of the last assembled job",
	})

	// AlignmentMaxDelta is the per-job maximum subtitle/picture alignment delta.
	AlignmentMaxDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_alignment_max_delta_ms",
		Help: "Maximum per-line alignment delta of the last assembled job",
	})

	// JobsTotal counts render jobs by terminal status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "render_jobs_total",
		Help: "Total render jobs by terminal status",
	}, []string{"status"})
)
