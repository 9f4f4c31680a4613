// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"time"
)

const probeTimeout = 15 * time.Second

// ProbeResult is the subset of ffprobe output the worker verifies against.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// ProbeStream contains per-stream information.
type ProbeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"` // video, audio, subtitle, data
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// HasVideoStream reports whether at least one video stream is present.
// Non-empty files without a video stream are a known flaky-CDN failure mode.
func (r *ProbeResult) HasVideoStream() bool {
	for _, s := range r.Streams {
		if s.CodecType == "video" {
			return true
		}
	}
	return false
}

// DurationMS returns the container duration in milliseconds, rounded.
func (r *ProbeResult) DurationMS() (int64, error) {
	if r.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe: no container duration")
	}
	sec, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parse duration %q: %w", r.Format.Duration, err)
	}
	return int64(math.Round(sec * 1000)), nil
}

// SizeBytes returns the container size in bytes.
func (r *ProbeResult) SizeBytes() int64 {
	n, err := strconv.ParseInt(r.Format.Size, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Prober shells out to the media-probe binary.
type Prober struct {
	Binary string
}

// NewProber creates a prober for the given ffprobe binary.
func NewProber(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{Binary: binary}
}

// Probe inspects a media file.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Binary, // #nosec G204
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %s: %w", path, err)
	}

	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("ffprobe: decode output: %w", err)
	}
	return &result, nil
}
