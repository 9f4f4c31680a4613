// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/lyra/internal/config"
	"github.com/ManuGH/lyra/internal/log"
	"github.com/ManuGH/lyra/internal/mediasvc"
	"github.com/ManuGH/lyra/internal/metrics"
	"github.com/ManuGH/lyra/internal/persistence"
	"github.com/ManuGH/lyra/internal/queue"
)

// Driver pops queued render jobs and runs them one at a time. Multiple
// worker instances may share the queue; exclusive ownership comes from the
// conditional claim on the job row.
type Driver struct {
	Jobs      *persistence.JobStore
	Timelines *persistence.TimelineStore
	Queue     *queue.Queue
	Media     *mediasvc.Client
	Config    *config.Store
	Cutter    MediaCutter
	Prober    MediaProber

	MediaDir  string
	OutputDir string
	// TempRoot is where per-job temp directories are created. Empty uses the
	// system default.
	TempRoot string

	// NewProducer overrides the per-job clip producer. Defaults to the
	// production engine over Media, Cutter, and Prober.
	NewProducer func(logger zerolog.Logger) ClipProducer
	// Assembler overrides the final assembly. Defaults to the encoder-backed
	// Assembler.
	Assembler JobAssembler

	Logger zerolog.Logger
}

// JobAssembler produces the final artifact for one job.
type JobAssembler interface {
	Assemble(ctx context.Context, in AssemblyInput) (*AssemblyResult, error)
}

// Run consumes the queue until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jobID, err := d.Queue.Pop(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.Logger.Error().Err(err).Msg("queue pop failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if err := d.Execute(ctx, jobID); err != nil {
			d.Logger.Error().Err(err).Str("render_job_id", jobID).Msg("job execution failed")
		}
	}
}

// Execute runs one job to a terminal state. Redelivered ids for jobs that
// are already running or terminal are skipped, which makes re-execution a
// no-op under at-least-once delivery.
func (d *Driver) Execute(ctx context.Context, jobID string) error {
	ctx = log.ContextWithJobID(ctx, jobID)
	logger := log.WithContext(ctx, d.Logger)

	job, err := d.Jobs.Get(ctx, jobID)
	if errors.Is(err, persistence.ErrJobNotFound) {
		logger.Warn().Msg("queued job id unknown, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Terminal() {
		logger.Info().Str("status", job.Status).Msg("job already terminal, skipping")
		return nil
	}

	if err := d.Jobs.Claim(ctx, jobID); err != nil {
		if errors.Is(err, persistence.ErrNotClaimable) {
			logger.Info().Msg("job claimed elsewhere, skipping")
			return nil
		}
		return err
	}
	logger.Info().Str("mix_id", job.MixID).Msg("render job started")

	tl, err := d.Timelines.Load(ctx, job.MixID)
	if err != nil {
		return d.fail(ctx, jobID, CodePrecondition, fmt.Sprintf("timeline unavailable: %v", err), nil, nil, 0, job)
	}
	if err := tl.Validate(); err != nil {
		return d.fail(ctx, jobID, CodePrecondition, fmt.Sprintf("timeline invalid: %v", err), nil, nil, 0, job)
	}
	if _, err := os.Stat(tl.AudioPath); err != nil {
		return d.fail(ctx, jobID, CodePrecondition, fmt.Sprintf("audio asset unreachable: %v", err), nil, nil, 0, job)
	}

	tempDir, err := os.MkdirTemp(d.TempRoot, "render-"+jobID+"-")
	if err != nil {
		return d.fail(ctx, jobID, CodePrecondition, fmt.Sprintf("temp dir: %v", err), nil, nil, 0, job)
	}
	defer func() {
		if rmErr := os.RemoveAll(tempDir); rmErr != nil {
			logger.Error().Err(rmErr).Str("path", tempDir).Msg("temp dir not removed")
		}
	}()

	tasks := make([]*ClipTask, 0, len(tl.Lines))
	for _, line := range tl.Lines {
		tasks = append(tasks, NewClipTask(line, tempDir))
	}

	var producer ClipProducer
	if d.NewProducer != nil {
		producer = d.NewProducer(logger)
	} else {
		producer = &Engine{
			Session:  d.Media.Session(),
			Cutter:   d.Cutter,
			Prober:   d.Prober,
			Config:   d.Config,
			MediaDir: d.MediaDir,
			Logger:   logger,
		}
	}

	// Progress is flushed to the job row at the configured interval and once
	// more after the clip phase.
	var completed atomic.Int64
	flushCtx, stopFlush := context.WithCancel(ctx)
	defer stopFlush()
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		d.flushProgress(flushCtx, jobID, &completed, len(tasks))
	}()

	sched := &Scheduler{
		Config:   d.Config,
		Producer: producer,
		Logger:   logger,
		JobID:    jobID,
		OnProgress: func(done, total int) {
			completed.Store(int64(done))
		},
	}
	peak, runErr := sched.Run(ctx, tasks)
	stopFlush()
	<-flushDone

	stats := BuildClipStats(tasks, peak)
	agg := &Metrics{
		LineCount:  len(tl.Lines),
		QueuedAt:   job.QueuedAt,
		FinishedAt: time.Now(),
		ClipStats:  stats,
	}

	if runErr != nil {
		// Both worker shutdown and the zero-progress stall abort surface as
		// cancelled; the summary carries the distinction.
		return d.fail(ctx, jobID, CodeCancelled, fmt.Sprintf("clip phase aborted: %v", runErr), agg, tasks, peak, job)
	}

	assembler := d.Assembler
	if assembler == nil {
		assembler = &Assembler{Cutter: d.Cutter, Prober: d.Prober, Logger: logger}
	}
	result, err := assembler.Assemble(ctx, AssemblyInput{
		JobID:     jobID,
		Timeline:  tl,
		Tasks:     tasks,
		TempDir:   tempDir,
		OutputDir: d.OutputDir,
	})
	if err != nil {
		return d.fail(ctx, jobID, CodeAssemblyFailed, err.Error(), agg, tasks, peak, job)
	}

	agg.AvgDeltaMS = result.AvgDeltaMS
	agg.MaxDeltaMS = result.MaxDeltaMS
	agg.TotalDurationMS = result.FinalDurationMS
	agg.FinishedAt = time.Now()

	if err := d.Jobs.SaveRenderMetrics(ctx, jobID, agg); err != nil {
		logger.Error().Err(err).Msg("render metrics not persisted")
	}
	if err := d.Jobs.Finish(ctx, jobID, persistence.JobSuccess, "", result.OutputPath); err != nil {
		return err
	}
	metrics.JobsTotal.WithLabelValues(persistence.JobSuccess).Inc()

	logger.Info().
		Str("output", result.OutputPath).
		Int("peak_parallelism", stats.PeakParallelism).
		Int("placeholder_tasks", stats.PlaceholderTasks).
		Int64("final_duration_ms", result.FinalDurationMS).
		Msg("render job succeeded")
	return nil
}

// fail writes the terminal failed state, persisting whatever aggregate is
// available. ClipStats survive an assembly failure.
func (d *Driver) fail(ctx context.Context, jobID, code, summary string, agg *Metrics, tasks []*ClipTask, peak int, job *persistence.Job) error {
	logger := log.WithContext(ctx, d.Logger)
	logger.Error().Str("error_code", code).Msg(summary)

	// Terminal writes must land even when the run context died with the
	// worker; otherwise the row stays running and the job is unrecoverable.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if agg == nil && tasks != nil {
		stats := BuildClipStats(tasks, peak)
		agg = &Metrics{
			LineCount:  len(tasks),
			QueuedAt:   job.QueuedAt,
			FinishedAt: time.Now(),
			ClipStats:  stats,
		}
	}
	if agg != nil {
		if err := d.Jobs.SaveRenderMetrics(ctx, jobID, agg); err != nil {
			logger.Error().Err(err).Msg("render metrics not persisted")
		}
	}
	if err := d.Jobs.Finish(ctx, jobID, persistence.JobFailed, code+": "+summary, ""); err != nil {
		return err
	}
	metrics.JobsTotal.WithLabelValues(persistence.JobFailed).Inc()
	return nil
}

// flushProgress periodically writes the clip-phase completion ratio.
func (d *Driver) flushProgress(ctx context.Context, jobID string, completed *atomic.Int64, total int) {
	if total == 0 {
		return
	}
	for {
		interval := d.Config.Current().FlushInterval()
		select {
		case <-ctx.Done():
			// Final flush with a fresh context; the run context may be gone.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = d.Jobs.UpdateProgress(flushCtx, jobID, float64(completed.Load())/float64(total))
			cancel()
			return
		case <-time.After(interval):
			_ = d.Jobs.UpdateProgress(ctx, jobID, float64(completed.Load())/float64(total))
		}
	}
}
