// SPDX-License-Identifier: MIT

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ManuGH/lyra/internal/timeline"
)

// ErrTimelineNotFound signals a mix without a stored timeline.
var ErrTimelineNotFound = errors.New("persistence: timeline not found")

// TimelineStore reads locked timelines written by the upstream segmentation
// and matching stages.
type TimelineStore struct {
	db *sql.DB
}

// NewTimelineStore wraps an open database handle.
func NewTimelineStore(db *sql.DB) *TimelineStore {
	return &TimelineStore{db: db}
}

// Load reads the timeline for a mix, lines ordered by line number.
func (s *TimelineStore) Load(ctx context.Context, mixID string) (*timeline.Timeline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status, vocal_start_ms, audio_path FROM timelines WHERE mix_id = ?`, mixID)

	t := &timeline.Timeline{MixID: mixID}
	err := row.Scan(&t.Status, &t.VocalStartMS, &t.AudioPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTimelineNotFound, mixID)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: load timeline: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, line_no, text, start_ms, end_ms, selected_candidate, candidates
		 FROM lyric_lines WHERE mix_id = ? ORDER BY line_no ASC`, mixID)
	if err != nil {
		return nil, fmt.Errorf("persistence: load lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line       timeline.Line
			candidates string
		)
		if err := rows.Scan(&line.ID, &line.LineNo, &line.Text, &line.StartMS,
			&line.EndMS, &line.Selected, &candidates); err != nil {
			return nil, fmt.Errorf("persistence: scan line: %w", err)
		}
		if err := json.Unmarshal([]byte(candidates), &line.Candidates); err != nil {
			return nil, fmt.Errorf("persistence: line %s candidates: %w", line.ID, err)
		}
		t.Lines = append(t.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: load lines: %w", err)
	}
	return t, nil
}

// SaveForTest inserts a timeline and its lines. Test use only; production
// timelines are written upstream.
func (s *TimelineStore) SaveForTest(ctx context.Context, t *timeline.Timeline) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO timelines (mix_id, status, vocal_start_ms, audio_path) VALUES (?, ?, ?, ?)`,
		t.MixID, t.Status, t.VocalStartMS, t.AudioPath)
	if err != nil {
		return fmt.Errorf("persistence: save timeline: %w", err)
	}
	for _, line := range t.Lines {
		candidates, err := json.Marshal(line.Candidates)
		if err != nil {
			return fmt.Errorf("persistence: marshal candidates: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO lyric_lines (id, mix_id, line_no, text, start_ms, end_ms, selected_candidate, candidates)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID, t.MixID, line.LineNo, line.Text, line.StartMS, line.EndMS, line.Selected, string(candidates))
		if err != nil {
			return fmt.Errorf("persistence: save line: %w", err)
		}
	}
	return nil
}
