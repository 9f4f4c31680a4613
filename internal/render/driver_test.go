// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/lyra/internal/config"
	"github.com/ManuGH/lyra/internal/log"
	"github.com/ManuGH/lyra/internal/persistence"
	"github.com/ManuGH/lyra/internal/queue"
	"github.com/ManuGH/lyra/internal/timeline"
)

type stubAssembler struct {
	calls  int
	result *AssemblyResult
	err    error
}

func (a *stubAssembler) Assemble(_ context.Context, in AssemblyInput) (*AssemblyResult, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &AssemblyResult{
		OutputPath:      filepath.Join(in.OutputDir, in.JobID+".mp4"),
		AvgDeltaMS:      10,
		MaxDeltaMS:      25,
		FinalDurationMS: in.Timeline.TotalDurationMS(),
	}, nil
}

type driverFixture struct {
	driver    *Driver
	jobs      *persistence.JobStore
	timelines *persistence.TimelineStore
	producer  *stubProducer
	assembler *stubAssembler
	tempRoot  string
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "lyra.db"), persistence.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &driverFixture{
		jobs:      persistence.NewJobStore(db),
		timelines: persistence.NewTimelineStore(db),
		producer:  &stubProducer{},
		assembler: &stubAssembler{},
		tempRoot:  t.TempDir(),
	}
	f.driver = &Driver{
		Jobs:      f.jobs,
		Timelines: f.timelines,
		Config:    testStore(config.RenderClip{MaxParallelism: 2}),
		OutputDir: t.TempDir(),
		TempRoot:  f.tempRoot,
		NewProducer: func(zerolog.Logger) ClipProducer {
			return f.producer
		},
		Assembler: f.assembler,
		Logger:    log.Base(),
	}
	return f
}

// seedJob stores a locked two-line timeline plus a queued job and returns the
// job id.
func (f *driverFixture) seedJob(t *testing.T) string {
	t.Helper()
	audio := filepath.Join(f.tempRoot, "mix.wav")
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o644))

	tl := &timeline.Timeline{
		MixID:        uuid.New().String(),
		Status:       timeline.StatusLocked,
		VocalStartMS: 800,
		AudioPath:    audio,
		Lines: []timeline.Line{
			makeLine(1, 0, 3000, "vid-a"),
			makeLine(2, 3000, 6000, "vid-b"),
		},
	}
	require.NoError(t, f.timelines.SaveForTest(context.Background(), tl))

	jobID := uuid.New().String()
	require.NoError(t, f.jobs.Create(context.Background(), jobID, tl.MixID))
	return jobID
}

func TestDriverExecuteSuccess(t *testing.T) {
	f := newDriverFixture(t)
	jobID := f.seedJob(t)

	require.NoError(t, f.driver.Execute(context.Background(), jobID))

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobSuccess, job.Status)
	assert.Equal(t, 1.0, job.Progress)
	assert.NotEmpty(t, job.OutputPath)
	assert.Empty(t, job.ErrorLog)
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, 1, f.assembler.calls)

	var agg Metrics
	require.NoError(t, json.Unmarshal(job.MetricsRender, &agg))
	assert.Equal(t, 2, agg.LineCount)
	assert.Equal(t, 2, agg.ClipStats.TotalTasks)
	assert.Equal(t, 2, agg.ClipStats.SuccessTasks)
	assert.Equal(t, int64(6000), agg.TotalDurationMS)

	// The per-job temp dir must not survive the run.
	entries, err := os.ReadDir(f.tempRoot)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsDir(), "leftover temp dir %s", e.Name())
	}
}

func TestDriverExecuteUnknownJob(t *testing.T) {
	f := newDriverFixture(t)
	require.NoError(t, f.driver.Execute(context.Background(), uuid.New().String()))
	assert.Zero(t, f.assembler.calls)
}

func TestDriverExecuteIdempotentOnRedelivery(t *testing.T) {
	f := newDriverFixture(t)
	jobID := f.seedJob(t)

	require.NoError(t, f.driver.Execute(context.Background(), jobID))
	first, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)

	// Redelivered message for a terminal job is a no-op.
	require.NoError(t, f.driver.Execute(context.Background(), jobID))
	second, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.assembler.calls)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, first.FinishedAt.Unix(), second.FinishedAt.Unix())
}

func TestDriverExecuteMissingTimeline(t *testing.T) {
	f := newDriverFixture(t)
	jobID := uuid.New().String()
	require.NoError(t, f.jobs.Create(context.Background(), jobID, "mix-without-timeline"))

	require.NoError(t, f.driver.Execute(context.Background(), jobID))

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobFailed, job.Status)
	assert.Contains(t, job.ErrorLog, CodePrecondition)
	assert.Zero(t, f.assembler.calls)
}

func TestDriverExecuteUnlockedTimeline(t *testing.T) {
	f := newDriverFixture(t)
	tl := &timeline.Timeline{
		MixID:     "mix-draft",
		Status:    "draft",
		AudioPath: "audio.wav",
		Lines:     []timeline.Line{makeLine(1, 0, 3000, "vid-a")},
	}
	require.NoError(t, f.timelines.SaveForTest(context.Background(), tl))

	jobID := uuid.New().String()
	require.NoError(t, f.jobs.Create(context.Background(), jobID, tl.MixID))
	require.NoError(t, f.driver.Execute(context.Background(), jobID))

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobFailed, job.Status)
	assert.Contains(t, job.ErrorLog, CodePrecondition)
}

func TestDriverExecuteMissingAudio(t *testing.T) {
	f := newDriverFixture(t)
	tl := &timeline.Timeline{
		MixID:        "mix-no-audio",
		Status:       timeline.StatusLocked,
		VocalStartMS: 0,
		AudioPath:    filepath.Join(f.tempRoot, "does-not-exist.wav"),
		Lines:        []timeline.Line{makeLine(1, 0, 3000, "vid-a")},
	}
	require.NoError(t, f.timelines.SaveForTest(context.Background(), tl))

	jobID := uuid.New().String()
	require.NoError(t, f.jobs.Create(context.Background(), jobID, tl.MixID))
	require.NoError(t, f.driver.Execute(context.Background(), jobID))

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobFailed, job.Status)
	assert.Contains(t, job.ErrorLog, CodePrecondition)
}

func TestDriverExecuteAssemblyFailure(t *testing.T) {
	f := newDriverFixture(t)
	f.assembler.err = assert.AnError
	jobID := f.seedJob(t)

	require.NoError(t, f.driver.Execute(context.Background(), jobID))

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobFailed, job.Status)
	assert.Contains(t, job.ErrorLog, CodeAssemblyFailed)
	assert.Empty(t, job.OutputPath)

	// Clip stats survive an assembly failure for post-mortems.
	var agg Metrics
	require.NoError(t, json.Unmarshal(job.MetricsRender, &agg))
	assert.Equal(t, 2, agg.ClipStats.TotalTasks)
	assert.Equal(t, 2, agg.ClipStats.SuccessTasks)
}

func TestDriverExecuteShutdownPersistsFailure(t *testing.T) {
	f := newDriverFixture(t)
	f.producer.gate = make(chan struct{})
	jobID := f.seedJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.driver.Execute(ctx, jobID) }()

	// Cancel while a clip is in flight, like a worker SIGTERM mid job.
	require.Eventually(t, func() bool {
		f.producer.mu.Lock()
		defer f.producer.mu.Unlock()
		return f.producer.inflight > 0
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancellation")
	}

	// The terminal state and clip stats must land despite the dead run
	// context.
	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, persistence.JobFailed, job.Status)
	assert.Contains(t, job.ErrorLog, CodeCancelled)
	require.NotNil(t, job.FinishedAt)

	var agg Metrics
	require.NoError(t, json.Unmarshal(job.MetricsRender, &agg))
	assert.Equal(t, 2, agg.ClipStats.TotalTasks)
	assert.Equal(t, 2, agg.ClipStats.FailedTasks)
}

func TestDriverRunConsumesQueue(t *testing.T) {
	f := newDriverFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.driver.Queue = queue.New(client, "render:jobs")

	jobID := f.seedJob(t)
	require.NoError(t, f.driver.Queue.Enqueue(context.Background(), jobID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.driver.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := f.jobs.Get(context.Background(), jobID)
		return err == nil && job.Status == persistence.JobSuccess
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop after cancellation")
	}
}
