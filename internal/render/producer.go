// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/lyra/internal/config"
	"github.com/ManuGH/lyra/internal/ffmpeg"
	"github.com/ManuGH/lyra/internal/mediasvc"
	"github.com/ManuGH/lyra/internal/timeline"
)

// localExtensions are the formats probed for the local-file fallback under
// media/video/<source_video_id>.<ext>.
var localExtensions = []string{".mp4", ".mkv", ".mov", ".webm"}

// durationToleranceMS is the frame-accuracy contract: a produced fragment may
// deviate from the requested window by at most this much.
const durationToleranceMS = 50

// ProduceResult reports what a successful production wrote.
type ProduceResult struct {
	// EffectiveDurationMS is the probed duration of the produced file.
	EffectiveDurationMS int64
	// Bytes is the size of the produced file.
	Bytes int64
}

// ClipProducer produces one cut file for a clip task. The three methods
// mirror the source-type variants; each writes to outputPath and verifies the
// result before returning.
type ClipProducer interface {
	ProduceCandidate(ctx context.Context, cand timeline.Candidate, durationMS int64, outputPath string) (ProduceResult, error)
	ProduceLocal(ctx context.Context, videoID string, durationMS int64, outputPath string) (ProduceResult, error)
	ProducePlaceholder(ctx context.Context, durationMS int64, outputPath string) (ProduceResult, error)
}

// StreamResolver resolves and invalidates stream URLs for source videos.
// Satisfied by *mediasvc.Session.
type StreamResolver interface {
	Resolve(ctx context.Context, videoID string) (string, error)
	Invalidate(videoID string)
}

// MediaCutter runs encoder invocations. Satisfied by *ffmpeg.Cutter.
type MediaCutter interface {
	Cut(ctx context.Context, spec ffmpeg.CutSpec) error
	Concat(ctx context.Context, spec ffmpeg.ConcatSpec) error
}

// MediaProber inspects produced files. Satisfied by *ffmpeg.Prober.
type MediaProber interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

// Engine is the production ClipProducer: stream retrieve + encoder cut +
// probe verification, with per-candidate retries.
type Engine struct {
	Session StreamResolver
	Cutter  MediaCutter
	Prober  MediaProber
	Config  *config.Store
	// MediaDir is the root of the local media tree (media/video/...).
	MediaDir string
	Logger   zerolog.Logger
}

// ProduceCandidate fetches and cuts one candidate window, retrying transient
// failures with exponential backoff. Returns a *ClipError on failure.
func (e *Engine) ProduceCandidate(ctx context.Context, cand timeline.Candidate, durationMS int64, outputPath string) (ProduceResult, error) {
	cfg := e.Config.Current()
	maxAttempts := cfg.MaxRetry + 1
	verifyRetried := false

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := cfg.RetryBackoffBase() * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return ProduceResult{}, newClipError(CodeCancelled, true, ctx.Err())
			case <-time.After(backoff):
			}
		}

		res, err := e.tryCandidate(ctx, cand, durationMS, outputPath)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var ce *ClipError
		if errors.As(err, &ce) {
			if ce.Permanent {
				return ProduceResult{}, err
			}
			// Verification failures get exactly one extra attempt,
			// independent of the transient retry budget.
			if ce.Code == CodeVerificationFail {
				if verifyRetried {
					return ProduceResult{}, err
				}
				verifyRetried = true
				maxAttempts++
			}
		}
	}
	return ProduceResult{}, lastErr
}

// tryCandidate is one resolve + cut + verify pass.
func (e *Engine) tryCandidate(ctx context.Context, cand timeline.Candidate, durationMS int64, outputPath string) (ProduceResult, error) {
	streamURL, err := e.Session.Resolve(ctx, cand.VideoID)
	if err != nil {
		return ProduceResult{}, e.classifyResolve(cand.VideoID, err)
	}

	cutErr := e.Cutter.Cut(ctx, ffmpeg.CutSpec{
		Input:      streamURL,
		StartMS:    cand.StartMS,
		DurationMS: durationMS,
		Output:     outputPath,
	})
	if cutErr != nil {
		// A cut failure on a cached URL often means the URL expired; evict
		// so the next attempt re-resolves.
		e.Session.Invalidate(cand.VideoID)
		removePartial(outputPath)
		if ctx.Err() != nil {
			return ProduceResult{}, newClipError(CodeCancelled, true, cutErr)
		}
		ce := newClipError(CodeNetworkIO, false, cutErr)
		var xe *ffmpeg.ExecError
		if errors.As(cutErr, &xe) {
			ce.StderrTail = xe.StderrTail
		}
		return ProduceResult{}, ce
	}

	return e.verify(ctx, outputPath, durationMS)
}

// classifyResolve maps retrieve-API failures onto the clip error taxonomy.
func (e *Engine) classifyResolve(videoID string, err error) error {
	switch {
	case errors.Is(err, mediasvc.ErrNotConfigured):
		return newClipError(CodeBadRequest, true, err)
	case errors.Is(err, mediasvc.ErrRateLimited):
		return newClipError(CodeRateLimited, false, err)
	}
	var se *mediasvc.StatusError
	if errors.As(err, &se) {
		e.Session.Invalidate(videoID)
		if se.Permanent() {
			return newClipError(CodeRemoteHTTP4xx, true, err)
		}
		return newClipError(CodeRemoteHTTP5xx, false, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newClipError(CodeCancelled, true, err)
	}
	return newClipError(CodeNetworkIO, false, err)
}

// verify checks that the produced file exists, is non-empty, contains a video
// stream, and matches the requested duration within tolerance. Bad files are
// deleted so they can never reach assembly.
func (e *Engine) verify(ctx context.Context, path string, wantMS int64) (ProduceResult, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		removePartial(path)
		return ProduceResult{}, newClipError(CodeVerificationFail, false, fmt.Errorf("output missing or empty: %s", path))
	}

	probe, err := e.Prober.Probe(ctx, path)
	if err != nil {
		removePartial(path)
		return ProduceResult{}, newClipError(CodeVerificationFail, false, fmt.Errorf("probe: %w", err))
	}
	if !probe.HasVideoStream() {
		// Flaky CDNs hand back audio-only or junk payloads with 200s.
		removePartial(path)
		return ProduceResult{}, newClipError(CodeVerificationFail, false, fmt.Errorf("no video stream in %s", path))
	}

	gotMS, err := probe.DurationMS()
	if err != nil {
		removePartial(path)
		return ProduceResult{}, newClipError(CodeVerificationFail, false, err)
	}
	if delta := gotMS - wantMS; delta < -durationToleranceMS || delta > durationToleranceMS {
		removePartial(path)
		return ProduceResult{}, newClipError(CodeVerificationFail, false,
			fmt.Errorf("duration %dms outside ±%dms of requested %dms", gotMS, durationToleranceMS, wantMS))
	}
	return ProduceResult{EffectiveDurationMS: gotMS, Bytes: info.Size()}, nil
}

// ProduceLocal cuts the lyric window from a locally provisioned copy of the
// source video. Returns ErrLocalMissing when no file is present.
func (e *Engine) ProduceLocal(ctx context.Context, videoID string, durationMS int64, outputPath string) (ProduceResult, error) {
	if videoID == "" {
		return ProduceResult{}, ErrLocalMissing
	}
	local := ""
	for _, ext := range localExtensions {
		candidate := filepath.Join(e.MediaDir, "video", videoID+ext)
		if info, err := os.Stat(candidate); err == nil && info.Size() > 0 {
			local = candidate
			break
		}
	}
	if local == "" {
		return ProduceResult{}, ErrLocalMissing
	}

	if err := e.Cutter.Cut(ctx, ffmpeg.CutSpec{
		Input:      local,
		StartMS:    0,
		DurationMS: durationMS,
		Output:     outputPath,
		Loop:       true,
	}); err != nil {
		removePartial(outputPath)
		ce := newClipError(CodeNetworkIO, false, err)
		var xe *ffmpeg.ExecError
		if errors.As(err, &xe) {
			ce.StderrTail = xe.StderrTail
		}
		return ProduceResult{}, ce
	}
	return e.verify(ctx, outputPath, durationMS)
}

// ProducePlaceholder re-times the placeholder asset to the requested window.
func (e *Engine) ProducePlaceholder(ctx context.Context, durationMS int64, outputPath string) (ProduceResult, error) {
	cfg := e.Config.Current()
	if err := e.Cutter.Cut(ctx, ffmpeg.CutSpec{
		Input:      cfg.PlaceholderAssetPath,
		StartMS:    0,
		DurationMS: durationMS,
		Output:     outputPath,
		Loop:       true,
	}); err != nil {
		removePartial(outputPath)
		ce := newClipError(CodePlaceholderFailed, true, err)
		var xe *ffmpeg.ExecError
		if errors.As(err, &xe) {
			ce.StderrTail = xe.StderrTail
		}
		return ProduceResult{}, ce
	}
	res, err := e.verify(ctx, outputPath, durationMS)
	if err != nil {
		return ProduceResult{}, newClipError(CodePlaceholderFailed, true, err)
	}
	return res, nil
}

func removePartial(path string) {
	_ = os.Remove(path)
}
