// SPDX-License-Identifier: MIT

package render

import (
	"sort"
	"time"
)

// ClipStats is the per-job aggregate written into the job record at terminal
// state. SuccessTasks counts tasks that produced real source material
// (including the local-file fallback); FailedTasks covers everything else,
// placeholders included, so SuccessTasks+FailedTasks always equals
// TotalTasks and FailedTasks >= PlaceholderTasks.
type ClipStats struct {
	TotalTasks        int       `json:"total_tasks"`
	SuccessTasks      int       `json:"success_tasks"`
	FailedTasks       int       `json:"failed_tasks"`
	FallbackTasks     int       `json:"fallback_tasks"`
	PlaceholderTasks  int       `json:"placeholder_tasks"`
	AvgTaskDurationMS int64     `json:"avg_task_duration_ms"`
	P95TaskDurationMS int64     `json:"p95_task_duration_ms"`
	PeakParallelism   int       `json:"peak_parallelism"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Metrics is the aggregate render block persisted as metrics.render.
type Metrics struct {
	LineCount       int       `json:"line_count"`
	AvgDeltaMS      int64     `json:"avg_delta_ms"`
	MaxDeltaMS      int64     `json:"max_delta_ms"`
	TotalDurationMS int64     `json:"total_duration_ms"`
	QueuedAt        time.Time `json:"queued_at"`
	FinishedAt      time.Time `json:"finished_at"`
	ClipStats       ClipStats `json:"clip_stats"`
}

// BuildClipStats aggregates terminal tasks.
func BuildClipStats(tasks []*ClipTask, peakParallelism int) ClipStats {
	stats := ClipStats{
		TotalTasks:      len(tasks),
		PeakParallelism: peakParallelism,
		GeneratedAt:     time.Now(),
	}

	durations := make([]int64, 0, len(tasks))
	var sum int64
	for _, t := range tasks {
		switch t.State {
		case TaskSuccess:
			stats.SuccessTasks++
		case TaskFallbackLocal:
			stats.SuccessTasks++
			stats.FallbackTasks++
		case TaskFallbackPlaceholder:
			stats.FailedTasks++
			stats.FallbackTasks++
			stats.PlaceholderTasks++
		default:
			stats.FailedTasks++
		}
		if d := t.DurationMS(); d > 0 {
			durations = append(durations, d)
			sum += d
		}
	}

	if len(durations) > 0 {
		stats.AvgTaskDurationMS = sum / int64(len(durations))
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		idx := (95*len(durations) + 99) / 100
		if idx > 0 {
			idx--
		}
		stats.P95TaskDurationMS = durations[idx]
	}
	return stats
}
