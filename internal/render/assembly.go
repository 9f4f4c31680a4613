// SPDX-License-Identifier: MIT

package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ManuGH/lyra/internal/ffmpeg"
	"github.com/ManuGH/lyra/internal/metrics"
	"github.com/ManuGH/lyra/internal/timeline"
)

// finalToleranceMS bounds the drift of the assembled output against the sum
// of line durations.
const finalToleranceMS = 200

// AssemblyInput is everything assembly needs: terminal tasks in line order,
// the timeline, and the job's temp directory for intermediates.
type AssemblyInput struct {
	JobID    string
	Timeline *timeline.Timeline
	Tasks    []*ClipTask
	TempDir  string
	// OutputDir receives <job_id>.mp4 and <job_id>.srt.
	OutputDir string
}

// AssemblyResult reports the final artifact and the alignment aggregate.
type AssemblyResult struct {
	OutputPath string
	AvgDeltaMS int64
	MaxDeltaMS int64
	// FinalDurationMS is the probed duration of the output.
	FinalDurationMS int64
}

// Assembler concatenates per-line clips under the mixed audio with burned-in
// subtitles. Assembly failure is fatal to the job.
type Assembler struct {
	Cutter MediaCutter
	Prober MediaProber
	Logger zerolog.Logger
}

// Assemble produces the final video. Every line must contribute exactly one
// clip: dropping a lost clip would shift all later clips earlier while the
// burned subtitles and the audio keep their timeline positions, so a task
// that ended failed fails the whole assembly instead.
func (a *Assembler) Assemble(ctx context.Context, in AssemblyInput) (*AssemblyResult, error) {
	tasks := make([]*ClipTask, len(in.Tasks))
	copy(tasks, in.Tasks)
	sortByLine(tasks)

	var (
		includedLines []timeline.Line
		expectedMS    int64
		sumDelta      int64
		maxDelta      int64
	)
	for _, t := range tasks {
		if t.State == TaskFailed {
			return nil, fmt.Errorf("%s: line %d has no clip (%s)", CodeAssemblyFailed, t.Line.LineNo, t.ErrorCode)
		}
		includedLines = append(includedLines, t.Line)
		expectedMS += t.Line.DurationMS()

		delta := t.EffectiveDurationMS - t.Line.DurationMS()
		if delta < 0 {
			delta = -delta
		}
		sumDelta += delta
		if delta > maxDelta {
			maxDelta = delta
		}
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%s: no clips to assemble", CodeAssemblyFailed)
	}

	a.Logger.Info().
		Str("render_job_id", in.JobID).
		Int64("vocal_start_ms", in.Timeline.VocalStartMS).
		Int("clips", len(tasks)).
		Msg("assembling final video")

	listPath := filepath.Join(in.TempDir, "concat.txt")
	if err := writeConcatList(listPath, tasks); err != nil {
		return nil, fmt.Errorf("%s: %w", CodeAssemblyFailed, err)
	}

	subsPath := filepath.Join(in.TempDir, "subs.ass")
	if err := WriteSubtitleFile(subsPath, BuildASS(includedLines)); err != nil {
		return nil, fmt.Errorf("%s: %w", CodeAssemblyFailed, err)
	}

	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%s: output dir: %w", CodeAssemblyFailed, err)
	}
	outputPath := filepath.Join(in.OutputDir, in.JobID+".mp4")

	err := a.Cutter.Concat(ctx, ffmpeg.ConcatSpec{
		ListFile:      listPath,
		AudioPath:     in.Timeline.AudioPath,
		AudioOffsetMS: in.Timeline.VocalStartMS,
		SubtitlePath:  subsPath,
		Output:        outputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CodeAssemblyFailed, err)
	}

	probe, err := a.Prober.Probe(ctx, outputPath)
	if err != nil {
		return nil, fmt.Errorf("%s: probe output: %w", CodeAssemblyFailed, err)
	}
	finalMS, err := probe.DurationMS()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CodeAssemblyFailed, err)
	}
	if drift := finalMS - expectedMS; drift < -finalToleranceMS || drift > finalToleranceMS {
		return nil, fmt.Errorf("%s: output duration %dms outside ±%dms of expected %dms",
			CodeAssemblyFailed, finalMS, finalToleranceMS, expectedMS)
	}

	// Optional external subtitles next to the final artifact.
	srtPath := filepath.Join(in.OutputDir, in.JobID+".srt")
	if err := WriteSubtitleFile(srtPath, BuildSRT(includedLines)); err != nil {
		a.Logger.Warn().Err(err).Msg("external srt not written")
	}

	avgDelta := sumDelta / int64(len(tasks))
	metrics.AlignmentAvgDelta.Set(float64(avgDelta))
	metrics.AlignmentMaxDelta.Set(float64(maxDelta))

	return &AssemblyResult{
		OutputPath:      outputPath,
		AvgDeltaMS:      avgDelta,
		MaxDeltaMS:      maxDelta,
		FinalDurationMS: finalMS,
	}, nil
}

// writeConcatList renders the ffconcat input for the final invocation.
func writeConcatList(path string, tasks []*ClipTask) error {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(t.OutputPath, "'", `'\''`))
	}
	return WriteSubtitleFile(path, b.String())
}
