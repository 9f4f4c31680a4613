// SPDX-License-Identifier: MIT

package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/lyra/internal/timeline"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(testDB(t))

	require.NoError(t, store.Create(ctx, "job-1", "mix-1"))

	j, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, j.Status)
	assert.False(t, j.Terminal())
	assert.Nil(t, j.StartedAt)

	require.NoError(t, store.Claim(ctx, "job-1"))
	j, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, j.Status)
	require.NotNil(t, j.StartedAt)

	require.NoError(t, store.UpdateProgress(ctx, "job-1", 0.5))
	j, _ = store.Get(ctx, "job-1")
	assert.InDelta(t, 0.5, j.Progress, 1e-9)

	require.NoError(t, store.SaveRenderMetrics(ctx, "job-1", map[string]int{"line_count": 3}))

	require.NoError(t, store.Finish(ctx, "job-1", JobSuccess, "", "output/job-1.mp4"))
	j, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, j.Terminal())
	assert.Equal(t, "output/job-1.mp4", j.OutputPath)
	assert.JSONEq(t, `{"line_count":3}`, string(j.MetricsRender))
	require.NotNil(t, j.FinishedAt)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(testDB(t))
	require.NoError(t, store.Create(ctx, "job-1", "mix-1"))

	require.NoError(t, store.Claim(ctx, "job-1"))
	// Redelivered message: second claim must fail.
	assert.ErrorIs(t, store.Claim(ctx, "job-1"), ErrNotClaimable)
}

func TestClaimTerminalJob(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(testDB(t))
	require.NoError(t, store.Create(ctx, "job-1", "mix-1"))
	require.NoError(t, store.Claim(ctx, "job-1"))
	require.NoError(t, store.Finish(ctx, "job-1", JobFailed, "assembly-failed", ""))

	assert.ErrorIs(t, store.Claim(ctx, "job-1"), ErrNotClaimable)
}

func TestFinishDoesNotOverwriteTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore(testDB(t))
	require.NoError(t, store.Create(ctx, "job-1", "mix-1"))
	require.NoError(t, store.Claim(ctx, "job-1"))
	require.NoError(t, store.Finish(ctx, "job-1", JobFailed, "assembly-failed", ""))

	// Second finish is a no-op because the status guard no longer matches.
	require.NoError(t, store.Finish(ctx, "job-1", JobSuccess, "", "out.mp4"))
	j, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, j.Status)
	assert.Equal(t, "assembly-failed", j.ErrorLog)
}

func TestGetUnknownJob(t *testing.T) {
	store := NewJobStore(testDB(t))
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTimelineRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	store := NewTimelineStore(db)

	in := &timeline.Timeline{
		MixID:        "mix-1",
		Status:       timeline.StatusLocked,
		VocalStartMS: 850,
		AudioPath:    "/data/mix-1.m4a",
		Lines: []timeline.Line{
			{
				ID: "l1", LineNo: 1, Text: "hello", StartMS: 0, EndMS: 2500,
				Candidates: []timeline.Candidate{{VideoID: "v1", StartMS: 100, EndMS: 2600, Score: 0.7}},
			},
			{ID: "l2", LineNo: 2, Text: "world", StartMS: 2500, EndMS: 5000},
		},
	}
	require.NoError(t, store.SaveForTest(ctx, in))

	out, err := store.Load(ctx, "mix-1")
	require.NoError(t, err)
	assert.Equal(t, in.VocalStartMS, out.VocalStartMS)
	require.Len(t, out.Lines, 2)
	assert.Equal(t, "hello", out.Lines[0].Text)
	require.Len(t, out.Lines[0].Candidates, 1)
	assert.Equal(t, "v1", out.Lines[0].Candidates[0].VideoID)
	assert.Empty(t, out.Lines[1].Candidates)
	require.NoError(t, out.Validate())
}

func TestTimelineNotFound(t *testing.T) {
	store := NewTimelineStore(testDB(t))
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTimelineNotFound)
}
