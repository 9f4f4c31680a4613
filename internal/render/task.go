// SPDX-License-Identifier: MIT

package render

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/lyra/internal/timeline"
)

// TaskState is the lifecycle state of one clip task.
type TaskState string

const (
	TaskPending             TaskState = "pending"
	TaskRunning             TaskState = "running"
	TaskSuccess             TaskState = "success"
	TaskFallbackLocal       TaskState = "fallback-local"
	TaskFallbackPlaceholder TaskState = "fallback-placeholder"
	TaskFailed              TaskState = "failed"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFallbackLocal, TaskFallbackPlaceholder, TaskFailed:
		return true
	}
	return false
}

// SourceType tags where a clip's material came from.
type SourceType string

const (
	SourceRemote      SourceType = "remote-stream"
	SourceLocal       SourceType = "local-file"
	SourcePlaceholder SourceType = "placeholder"
)

// stage is the position of a task in the fallback progression.
type stage int

const (
	stageCandidate stage = iota
	stageLocal
	stagePlaceholder
)

// ClipTask is the runtime unit of work producing one cut file for one lyric
// line. It is owned by the scheduler and never persisted.
type ClipTask struct {
	ID         string
	Line       timeline.Line
	Candidates []timeline.Candidate

	CandidateIdx int
	Attempts     int
	Slot         int

	State      TaskState
	Source     SourceType
	OutputPath string

	StartedAt  time.Time
	FinishedAt time.Time

	ErrorCode string
	// EffectiveDurationMS is the probed duration of the produced file,
	// used for alignment deltas.
	EffectiveDurationMS int64
	// Bytes is the size of the produced file.
	Bytes int64

	stage stage
}

// NewClipTask builds a pending task for one line. The output lands under the
// job temp directory, named by the fresh task id to avoid collisions.
func NewClipTask(line timeline.Line, tempDir string) *ClipTask {
	id := uuid.New().String()
	t := &ClipTask{
		ID:         id,
		Line:       line,
		Candidates: line.OrderedCandidates(),
		State:      TaskPending,
		Source:     SourceRemote,
		OutputPath: filepath.Join(tempDir, id+".mp4"),
	}
	if len(t.Candidates) == 0 {
		// No candidates at all: straight to the local lookup.
		t.stage = stageLocal
		t.Source = SourceLocal
	}
	return t
}

// CurrentCandidate returns the candidate the task will try next. Only valid
// while the task is in the candidate stage.
func (t *ClipTask) CurrentCandidate() timeline.Candidate {
	return t.Candidates[t.CandidateIdx]
}

// SourceVideoID is the source video the task contends on for per-source
// admission. Empty outside the candidate stage: local and placeholder work
// does not touch the remote library.
func (t *ClipTask) SourceVideoID() string {
	if t.stage != stageCandidate {
		return ""
	}
	return t.Candidates[t.CandidateIdx].VideoID
}

// FallbackVideoID is the source video used for the local-file lookup: the
// top-ranked candidate's id, or empty when the line had no candidates.
func (t *ClipTask) FallbackVideoID() string {
	if len(t.Candidates) == 0 {
		return ""
	}
	return t.Candidates[0].VideoID
}

// Advance moves the fallback machine one step after a candidate-level
// failure: next candidate while any remain, then the local lookup, then the
// placeholder. Returns false when the machine is exhausted and the task must
// be marked failed.
func (t *ClipTask) Advance() bool {
	switch t.stage {
	case stageCandidate:
		if t.CandidateIdx+1 < len(t.Candidates) {
			t.CandidateIdx++
			t.Attempts = 0
			return true
		}
		t.stage = stageLocal
		t.Source = SourceLocal
		return true
	case stageLocal:
		t.stage = stagePlaceholder
		t.Source = SourcePlaceholder
		return true
	default:
		return false
	}
}

// finish records a terminal state and timestamps.
func (t *ClipTask) finish(state TaskState, errorCode string) {
	t.State = state
	t.ErrorCode = errorCode
	t.FinishedAt = time.Now()
}

// DurationMS is the task wall time, valid once terminal.
func (t *ClipTask) DurationMS() int64 {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt).Milliseconds()
}
