// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/lyra/internal/config"
	"github.com/ManuGH/lyra/internal/metrics"
)

// ErrStalled signals that no task made progress within the stall window.
var ErrStalled = errors.New("render: scheduler stalled")

// defaultStallTimeout aborts a job that makes zero progress.
const defaultStallTimeout = 5 * time.Minute

// eventKind distinguishes scheduler events.
type eventKind int

const (
	eventDone  eventKind = iota // task reached a terminal state
	eventYield                  // candidate failed, fallback advanced, re-admit
)

type taskEvent struct {
	kind    eventKind
	task    *ClipTask
	videoID string // per-source reservation held during the run, if any
	slot    int
}

// Scheduler executes one ClipTask per lyric line under three simultaneous
// caps: global parallelism, per-source-video limit, and (inside the engine)
// the retrieve rate limit. Tasks are admitted in line-number order when
// slots tie; completion order is unconstrained.
type Scheduler struct {
	Config   *config.Store
	Producer ClipProducer
	Logger   zerolog.Logger
	JobID    string

	// OnProgress, when set, is called after every terminal task.
	OnProgress func(done, total int)
	// StallTimeout overrides the default 5 minute zero-progress abort.
	StallTimeout time.Duration
}

// Run drives all tasks to a terminal state and returns the observed peak
// parallelism. The only error cases are context cancellation and a stall;
// clip-level failures are recorded on the tasks, never returned.
func (s *Scheduler) Run(ctx context.Context, tasks []*ClipTask) (int, error) {
	stallTimeout := s.StallTimeout
	if stallTimeout <= 0 {
		stallTimeout = defaultStallTimeout
	}

	pending := make([]*ClipTask, len(tasks))
	copy(pending, tasks)
	sortByLine(pending)

	// In-flight producers run under a child context so a stall abort can cut
	// them loose instead of waiting out their timeouts.
	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	var (
		events       = make(chan taskEvent)
		running      = 0
		perSource    = map[string]int{}
		slots        = newSlotPool()
		peak         = 0
		done         = 0
		lastProgress = time.Now()
	)

	tick := 10 * time.Second
	if stallTimeout < tick {
		tick = stallTimeout
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	cancelled := false
	var runErr error

	for len(pending) > 0 || running > 0 {
		// Admission: scan pending in line order and dispatch every task the
		// current limits allow. A per-source-blocked task is skipped without
		// consuming a global slot.
		if !cancelled {
			for {
				cfg := s.Config.Current()
				if running >= cfg.MaxParallelism {
					break
				}
				idx := -1
				for i, t := range pending {
					vid := t.SourceVideoID()
					if vid != "" && perSource[vid] >= cfg.PerVideoLimit {
						continue
					}
					idx = i
					break
				}
				if idx < 0 {
					break
				}
				task := pending[idx]
				pending = append(pending[:idx], pending[idx+1:]...)

				vid := task.SourceVideoID()
				if vid != "" {
					perSource[vid]++
				}
				running++
				if running > peak {
					peak = running
				}
				task.Slot = slots.acquire()
				metrics.ClipInflight.Inc()
				go s.runTask(taskCtx, task, vid, task.Slot, events)
			}
		}

		if running == 0 {
			if cancelled {
				break
			}
			if len(pending) > 0 {
				// Nothing running and nothing admissible: only possible if
				// every pending task is source-blocked by nothing, which is
				// a bug, or the stall window is hit while waiting below.
				select {
				case <-ctx.Done():
					cancelled = true
					runErr = ctx.Err()
					continue
				case <-ticker.C:
					if time.Since(lastProgress) > stallTimeout {
						cancelled = true
						runErr = ErrStalled
						cancelTasks()
					}
					continue
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				runErr = ctx.Err()
			}
			// Keep draining events; in-flight tasks observe the same ctx.
			ev := <-events
			running, done = s.settle(ev, perSource, slots, running, done, len(tasks))
			lastProgress = time.Now()
			if ev.kind == eventYield {
				pending = insertByLine(pending, ev.task)
			}
		case ev := <-events:
			running, done = s.settle(ev, perSource, slots, running, done, len(tasks))
			lastProgress = time.Now()
			if ev.kind == eventYield {
				pending = insertByLine(pending, ev.task)
			}
		case <-ticker.C:
			if !cancelled && time.Since(lastProgress) > stallTimeout {
				cancelled = true
				runErr = ErrStalled
				cancelTasks()
			}
		}
	}

	// Whatever is still pending after a cancellation or stall is failed
	// deterministically.
	for _, t := range pending {
		t.finish(TaskFailed, CodeCancelled)
		metrics.ClipFailures.WithLabelValues(CodeCancelled).Inc()
		s.logTerminal(t)
	}

	return peak, runErr
}

// settle releases a task's slot and per-source reservation atomically with
// respect to the admission loop (both happen before the next admission scan).
func (s *Scheduler) settle(ev taskEvent, perSource map[string]int, slots *slotPool, running, done, total int) (int, int) {
	if ev.videoID != "" {
		perSource[ev.videoID]--
		if perSource[ev.videoID] == 0 {
			delete(perSource, ev.videoID)
		}
	}
	slots.release(ev.slot)
	running--
	metrics.ClipInflight.Dec()

	if ev.kind == eventDone {
		done++
		metrics.ClipDuration.Observe(float64(ev.task.DurationMS()))
		s.logTerminal(ev.task)
		if s.OnProgress != nil {
			s.OnProgress(done, total)
		}
	}
	return running, done
}

// runTask executes one admission of a task: the current fallback stage, with
// the engine's own retry schedule inside. The per-source reservation is held
// for the full run and released by the event loop.
func (s *Scheduler) runTask(ctx context.Context, t *ClipTask, videoID string, slot int, events chan<- taskEvent) {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	t.State = TaskRunning
	t.Attempts++

	logger := s.Logger.With().
		Str("clip_task_id", t.ID).
		Str("line_id", t.Line.ID).
		Int("parallel_slot", slot).
		Int("attempt", t.Attempts).
		Logger()

	var (
		res ProduceResult
		err error
	)
	switch t.stage {
	case stageCandidate:
		cand := t.CurrentCandidate()
		res, err = s.Producer.ProduceCandidate(ctx, cand, t.Line.DurationMS(), t.OutputPath)
		if err == nil {
			t.EffectiveDurationMS = res.EffectiveDurationMS
			t.Bytes = res.Bytes
			t.finish(TaskSuccess, "")
			events <- taskEvent{kind: eventDone, task: t, videoID: videoID, slot: slot}
			return
		}
		code := clipCode(err)
		metrics.ClipFailures.WithLabelValues(code).Inc()
		if code == CodeCancelled {
			t.finish(TaskFailed, CodeCancelled)
			events <- taskEvent{kind: eventDone, task: t, videoID: videoID, slot: slot}
			return
		}
		logger.Warn().Err(err).
			Str("video_id", cand.VideoID).
			Int("candidate_index", t.CandidateIdx).
			Str("fallback_reason", code).
			Msg("candidate failed, advancing fallback")
		t.Advance()
		events <- taskEvent{kind: eventYield, task: t, videoID: videoID, slot: slot}
		return

	case stageLocal:
		res, err = s.Producer.ProduceLocal(ctx, t.FallbackVideoID(), t.Line.DurationMS(), t.OutputPath)
		if err == nil {
			t.EffectiveDurationMS = res.EffectiveDurationMS
			t.Bytes = res.Bytes
			t.finish(TaskFallbackLocal, "")
			events <- taskEvent{kind: eventDone, task: t, videoID: videoID, slot: slot}
			return
		}
		reason := CodeLocalMissing
		if !errors.Is(err, ErrLocalMissing) {
			reason = clipCode(err)
		}
		metrics.ClipFailures.WithLabelValues(reason).Inc()
		logger.Info().
			Str("video_id", t.FallbackVideoID()).
			Int("candidate_index", t.CandidateIdx).
			Str("fallback_reason", reason).
			Msg("local fallback unavailable, advancing to placeholder")
		t.Advance()
		events <- taskEvent{kind: eventYield, task: t, videoID: videoID, slot: slot}
		return

	default: // stagePlaceholder
		res, err = s.Producer.ProducePlaceholder(ctx, t.Line.DurationMS(), t.OutputPath)
		if err == nil {
			t.EffectiveDurationMS = res.EffectiveDurationMS
			t.Bytes = res.Bytes
			t.finish(TaskFallbackPlaceholder, "")
			metrics.ClipPlaceholders.Inc()
			events <- taskEvent{kind: eventDone, task: t, videoID: videoID, slot: slot}
			return
		}
		metrics.ClipFailures.WithLabelValues(CodePlaceholderFailed).Inc()
		logger.Error().Err(err).
			Str("fallback_reason", CodePlaceholderFailed).
			Msg("placeholder production failed, clip is lost")
		t.finish(TaskFailed, CodePlaceholderFailed)
		events <- taskEvent{kind: eventDone, task: t, videoID: videoID, slot: slot}
		return
	}
}

// logTerminal emits the per-clip observability record.
func (s *Scheduler) logTerminal(t *ClipTask) {
	videoID := t.FallbackVideoID()
	if t.stage == stageCandidate && len(t.Candidates) > 0 {
		videoID = t.Candidates[t.CandidateIdx].VideoID
	}
	ev := s.Logger.Info()
	if t.State == TaskFailed {
		ev = s.Logger.Error()
	}
	ev = ev.
		Str("clip_task_id", t.ID).
		Str("render_job_id", s.JobID).
		Str("line_id", t.Line.ID).
		Str("video_id", videoID).
		Int("parallel_slot", t.Slot).
		Int("attempt", t.Attempts).
		Str("state", string(t.State)).
		Str("source_type", string(t.Source)).
		Int64("duration_ms", t.DurationMS()).
		Int64("bytes", t.Bytes)
	if t.ErrorCode != "" {
		ev = ev.Str("error_code", t.ErrorCode)
	}
	ev.Msg("clip task finished")
}

func sortByLine(tasks []*ClipTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Line.LineNo < tasks[j].Line.LineNo
	})
}

// insertByLine re-queues a yielded task keeping line-number order.
func insertByLine(pending []*ClipTask, t *ClipTask) []*ClipTask {
	idx := sort.Search(len(pending), func(i int) bool {
		return pending[i].Line.LineNo > t.Line.LineNo
	})
	pending = append(pending, nil)
	copy(pending[idx+1:], pending[idx:])
	pending[idx] = t
	return pending
}

// slotPool hands out the lowest free parallel-slot index.
type slotPool struct {
	used []bool
}

func newSlotPool() *slotPool {
	return &slotPool{}
}

func (p *slotPool) acquire() int {
	for i, u := range p.used {
		if !u {
			p.used[i] = true
			return i
		}
	}
	p.used = append(p.used, true)
	return len(p.used) - 1
}

func (p *slotPool) release(slot int) {
	if slot >= 0 && slot < len(p.used) {
		p.used[slot] = false
	}
}
