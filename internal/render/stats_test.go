// SPDX-License-Identifier: MIT

package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func terminalTask(t *testing.T, state TaskState, wallMS int64) *ClipTask {
	t.Helper()
	task := NewClipTask(makeLine(1, 0, 3000, "vid-a"), t.TempDir())
	task.StartedAt = time.Now().Add(-time.Duration(wallMS) * time.Millisecond)
	task.State = state
	task.FinishedAt = time.Now()
	return task
}

func TestBuildClipStatsPartition(t *testing.T) {
	tasks := []*ClipTask{
		terminalTask(t, TaskSuccess, 100),
		terminalTask(t, TaskSuccess, 200),
		terminalTask(t, TaskFallbackLocal, 300),
		terminalTask(t, TaskFallbackPlaceholder, 400),
		terminalTask(t, TaskFailed, 500),
	}

	stats := BuildClipStats(tasks, 3)

	assert.Equal(t, 5, stats.TotalTasks)
	assert.Equal(t, 3, stats.SuccessTasks, "local fallback still yields real source material")
	assert.Equal(t, 2, stats.FailedTasks)
	assert.Equal(t, 2, stats.FallbackTasks)
	assert.Equal(t, 1, stats.PlaceholderTasks)
	assert.Equal(t, 3, stats.PeakParallelism)

	assert.Equal(t, stats.TotalTasks, stats.SuccessTasks+stats.FailedTasks)
	assert.GreaterOrEqual(t, stats.FailedTasks, stats.PlaceholderTasks)
	assert.False(t, stats.GeneratedAt.IsZero())
}

func TestBuildClipStatsDurations(t *testing.T) {
	var tasks []*ClipTask
	for i := 1; i <= 100; i++ {
		tasks = append(tasks, terminalTask(t, TaskSuccess, int64(i*10)))
	}

	stats := BuildClipStats(tasks, 1)

	// Wall-clock measurement adds a little slack on top of the synthetic
	// offsets; assert coarse bounds instead of exact values.
	assert.InDelta(t, 505, stats.AvgTaskDurationMS, 30)
	assert.InDelta(t, 950, stats.P95TaskDurationMS, 30)
}

func TestBuildClipStatsEmpty(t *testing.T) {
	stats := BuildClipStats(nil, 0)
	assert.Zero(t, stats.TotalTasks)
	assert.Zero(t, stats.AvgTaskDurationMS)
	assert.Zero(t, stats.P95TaskDurationMS)
}
