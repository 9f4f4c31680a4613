// SPDX-License-Identifier: MIT

// Package timeline models the locked lyric timeline consumed by the render worker.
// Time zero of every timeline is the first vocal onset of the mix.
package timeline

import (
	"errors"
	"fmt"
)

// StatusLocked is the only timeline status the render worker accepts.
const StatusLocked = "locked"

const (
	// MinLineDurationMS is the minimum duration of a lyric line.
	MinLineDurationMS = 500
	// MaxCandidatesPerLine bounds the ranked candidate list per line.
	MaxCandidatesPerLine = 10
	// CandidateWindowSlackMS is how far a candidate window may undershoot
	// the lyric window it covers.
	CandidateWindowSlackMS = 1000
)

var (
	// ErrNotLocked signals the timeline is not in its terminal locked state.
	ErrNotLocked = errors.New("timeline: not locked")
	// ErrEmpty signals a timeline with no lines.
	ErrEmpty = errors.New("timeline: no lines")
)

// Candidate references a time window in an external source video, produced
// by upstream semantic matching. Candidates are independently addressable;
// a failure on one never taints another.
type Candidate struct {
	VideoID    string  `json:"video_id"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Score      float64 `json:"score"`
	PreviewURL string  `json:"preview_url,omitempty"`
}

// DurationMS returns the candidate window length.
func (c Candidate) DurationMS() int64 {
	return c.EndMS - c.StartMS
}

// Line is one lyric line with its ranked candidate list.
// Selected, when >= 0, is an operator preference and is tried first.
type Line struct {
	ID         string      `json:"id"`
	LineNo     int         `json:"line_no"`
	Text       string      `json:"text"`
	StartMS    int64       `json:"start_ms"`
	EndMS      int64       `json:"end_ms"`
	Candidates []Candidate `json:"candidates"`
	Selected   int         `json:"selected"`
}

// DurationMS returns the lyric window length.
func (l Line) DurationMS() int64 {
	return l.EndMS - l.StartMS
}

// OrderedCandidates returns the candidate list with the selected preference,
// if any, moved to the front.
func (l Line) OrderedCandidates() []Candidate {
	if l.Selected <= 0 || l.Selected >= len(l.Candidates) {
		return l.Candidates
	}
	out := make([]Candidate, 0, len(l.Candidates))
	out = append(out, l.Candidates[l.Selected])
	for i, c := range l.Candidates {
		if i != l.Selected {
			out = append(out, c)
		}
	}
	return out
}

// Timeline is the locked render input for one mix.
type Timeline struct {
	MixID        string `json:"mix_id"`
	Status       string `json:"status"`
	VocalStartMS int64  `json:"vocal_start_ms"`
	AudioPath    string `json:"audio_path"`
	Lines        []Line `json:"lines"`
}

// TotalDurationMS is the sum of all line durations.
func (t *Timeline) TotalDurationMS() int64 {
	var total int64
	for _, l := range t.Lines {
		total += l.DurationMS()
	}
	return total
}

// Validate enforces the timeline invariants the scheduler relies on:
// locked status, ordered non-overlapping lines, minimum line duration,
// bounded candidate lists, and candidate windows covering their line.
func (t *Timeline) Validate() error {
	if t.Status != StatusLocked {
		return fmt.Errorf("%w: status %q", ErrNotLocked, t.Status)
	}
	if len(t.Lines) == 0 {
		return ErrEmpty
	}
	var prevEnd int64 = -1
	for i, line := range t.Lines {
		if line.StartMS >= line.EndMS {
			return fmt.Errorf("timeline: line %d: start_ms %d >= end_ms %d", line.LineNo, line.StartMS, line.EndMS)
		}
		if line.DurationMS() < MinLineDurationMS {
			return fmt.Errorf("timeline: line %d: duration %dms below minimum %dms", line.LineNo, line.DurationMS(), MinLineDurationMS)
		}
		if line.StartMS < prevEnd {
			return fmt.Errorf("timeline: line %d overlaps previous line", line.LineNo)
		}
		if i > 0 && line.LineNo <= t.Lines[i-1].LineNo {
			return fmt.Errorf("timeline: line numbers not strictly increasing at index %d", i)
		}
		if len(line.Candidates) > MaxCandidatesPerLine {
			return fmt.Errorf("timeline: line %d: %d candidates exceeds maximum %d", line.LineNo, len(line.Candidates), MaxCandidatesPerLine)
		}
		for j, c := range line.Candidates {
			if c.VideoID == "" {
				return fmt.Errorf("timeline: line %d candidate %d: empty video id", line.LineNo, j)
			}
			if c.StartMS >= c.EndMS {
				return fmt.Errorf("timeline: line %d candidate %d: empty window", line.LineNo, j)
			}
			if c.DurationMS() < line.DurationMS()-CandidateWindowSlackMS {
				return fmt.Errorf("timeline: line %d candidate %d: window %dms does not cover line %dms",
					line.LineNo, j, c.DurationMS(), line.DurationMS())
			}
		}
		prevEnd = line.EndMS
	}
	return nil
}
