// SPDX-License-Identifier: MIT

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job status values. A job is terminal once it reaches success or failed and
// is never mutated afterwards.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// ErrJobNotFound signals an unknown job id.
var ErrJobNotFound = errors.New("persistence: job not found")

// ErrNotClaimable signals a job that is not in the queued state, typically a
// redelivered message for a job another worker already owns or finished.
var ErrNotClaimable = errors.New("persistence: job not claimable")

// Job is one rendering attempt for one mix.
type Job struct {
	ID            string
	MixID         string
	Status        string
	Progress      float64
	ErrorLog      string
	OutputPath    string
	MetricsRender json.RawMessage
	QueuedAt      time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Terminal reports whether the job reached a terminal state.
func (j *Job) Terminal() bool {
	return j.Status == JobSuccess || j.Status == JobFailed
}

// JobStore persists render jobs.
type JobStore struct {
	db *sql.DB
}

// NewJobStore wraps an open database handle.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a queued job. Used by the API layer and by tests.
func (s *JobStore) Create(ctx context.Context, id, mixID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_jobs (id, mix_id, job_status, queued_at) VALUES (?, ?, ?, ?)`,
		id, mixID, JobQueued, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("persistence: create job: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mix_id, job_status, progress, error_log, output_asset_path,
		        metrics_render, queued_at, started_at, finished_at
		 FROM render_jobs WHERE id = ?`, id)

	var (
		j        Job
		metrics  string
		queued   int64
		started  sql.NullInt64
		finished sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.MixID, &j.Status, &j.Progress, &j.ErrorLog,
		&j.OutputPath, &metrics, &queued, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get job: %w", err)
	}

	j.MetricsRender = json.RawMessage(metrics)
	j.QueuedAt = time.Unix(queued, 0)
	if started.Valid {
		t := time.Unix(started.Int64, 0)
		j.StartedAt = &t
	}
	if finished.Valid {
		t := time.Unix(finished.Int64, 0)
		j.FinishedAt = &t
	}
	return &j, nil
}

// Claim transitions a queued job to running. The conditional update is the
// idempotence guard for at-least-once queue delivery: a job that is already
// running or terminal is not claimable.
func (s *JobStore) Claim(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET job_status = ?, started_at = ? WHERE id = ? AND job_status = ?`,
		JobRunning, time.Now().Unix(), id, JobQueued)
	if err != nil {
		return fmt.Errorf("persistence: claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persistence: claim job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}
	return nil
}

// UpdateProgress writes the 0..1 progress of a running job.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET progress = ? WHERE id = ? AND job_status = ?`,
		progress, id, JobRunning)
	if err != nil {
		return fmt.Errorf("persistence: update progress: %w", err)
	}
	return nil
}

// SaveRenderMetrics stores the aggregate render metrics JSON on the job row.
func (s *JobStore) SaveRenderMetrics(ctx context.Context, id string, metrics any) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("persistence: marshal metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE render_jobs SET metrics_render = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("persistence: save metrics: %w", err)
	}
	return nil
}

// Finish writes the terminal state. Guarded so a terminal job is never
// overwritten.
func (s *JobStore) Finish(ctx context.Context, id, status, errorLog, outputPath string) error {
	if status != JobSuccess && status != JobFailed {
		return fmt.Errorf("persistence: invalid terminal status %q", status)
	}
	progress := 0.0
	if status == JobSuccess {
		progress = 1.0
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs
		 SET job_status = ?, progress = ?, error_log = ?, output_asset_path = ?, finished_at = ?
		 WHERE id = ? AND job_status = ?`,
		status, progress, errorLog, outputPath, time.Now().Unix(), id, JobRunning)
	if err != nil {
		return fmt.Errorf("persistence: finish job: %w", err)
	}
	return nil
}
