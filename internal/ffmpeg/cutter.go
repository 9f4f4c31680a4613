// SPDX-License-Identifier: MIT

// Package ffmpeg invokes the encoder and prober binaries for clip cutting
// and final assembly.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// stderrTailLines is how many trailing stderr lines are kept for
	// diagnosis on failure.
	stderrTailLines = 20

	// killGrace is how long a signalled encoder may take to exit before it
	// is killed.
	killGrace = 10 * time.Second

	minCutTimeout = 30 * time.Second
	maxCutTimeout = 120 * time.Second
)

// ExecError carries the exit failure of an encoder invocation together with
// the tail of its stderr.
type ExecError struct {
	Binary     string
	Args       []string
	StderrTail []string
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v (stderr: %s)", e.Binary, e.Err, strings.Join(e.StderrTail, " | "))
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// CutSpec describes one window-accurate extraction.
type CutSpec struct {
	Input      string // stream URL or local file
	StartMS    int64
	DurationMS int64
	Output     string
	// Loop repeats the input until the requested duration is filled. Used to
	// re-time the short placeholder asset to a full lyric window.
	Loop bool
}

// ConcatSpec describes the final assembly invocation.
type ConcatSpec struct {
	ListFile      string // ffconcat list of per-line clips
	AudioPath     string // the mixed audio asset
	AudioOffsetMS int64  // first vocal onset within the audio asset
	SubtitlePath  string // ASS subtitle file to burn in
	Output        string
}

// Cutter shells out to the encoder binary.
type Cutter struct {
	Binary string
}

// NewCutter creates a cutter for the given ffmpeg binary.
func NewCutter(binary string) *Cutter {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Cutter{Binary: binary}
}

// cutTimeout scales the encoder deadline with the requested duration.
func cutTimeout(durationMS int64) time.Duration {
	d := 3 * time.Duration(durationMS) * time.Millisecond
	if d < minCutTimeout {
		return minCutTimeout
	}
	if d > maxCutTimeout {
		return maxCutTimeout
	}
	return d
}

// CutArgs builds the argument list for a window cut. Seeking happens on the
// output side: the input is opened first and -ss/-t apply to the decoded
// stream. Input-side seeking with stream copy snaps to keyframes and drifts
// by whole seconds, which breaks the ±50ms fragment contract.
func CutArgs(spec CutSpec) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if spec.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	return append(args,
		"-i", spec.Input,
		"-ss", formatSeconds(spec.StartMS),
		"-t", formatSeconds(spec.DurationMS),
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac",
		"-avoid_negative_ts", "make_zero",
		spec.Output,
	)
}

// Cut extracts one window into spec.Output, re-encoding video and audio.
func (c *Cutter) Cut(ctx context.Context, spec CutSpec) error {
	ctx, cancel := context.WithTimeout(ctx, cutTimeout(spec.DurationMS))
	defer cancel()
	return c.run(ctx, CutArgs(spec))
}

// ConcatArgs builds the assembly invocation: concatenated clips, burned
// subtitles, and the mixed audio trimmed to the vocal onset.
func ConcatArgs(spec ConcatSpec) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat", "-safe", "0", "-i", spec.ListFile,
	}
	if spec.AudioOffsetMS > 0 {
		args = append(args, "-ss", formatSeconds(spec.AudioOffsetMS))
	}
	args = append(args, "-i", spec.AudioPath,
		"-map", "0:v:0", "-map", "1:a:0",
	)
	if spec.SubtitlePath != "" {
		args = append(args, "-vf", "ass="+escapeFilterArg(spec.SubtitlePath))
	}
	args = append(args,
		"-c:v", "libx264", "-preset", "fast",
		"-c:a", "aac",
		"-shortest",
		spec.Output,
	)
	return args
}

// filterArgEscaper quotes filtergraph metacharacters so a subtitle path with
// ':' or ',' in it (drive letters, odd temp roots) survives filter parsing.
var filterArgEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`:`, `\:`,
	`,`, `\,`,
	`;`, `\;`,
	`[`, `\[`,
	`]`, `\]`,
)

func escapeFilterArg(s string) string {
	return filterArgEscaper.Replace(s)
}

// Concat runs the final assembly. The deadline scales with nothing here: the
// whole timeline is re-encoded, so a generous fixed ceiling applies.
func (c *Cutter) Concat(ctx context.Context, spec ConcatSpec) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	return c.run(ctx, ConcatArgs(spec))
}

func (c *Cutter) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, c.Binary, args...) // #nosec G204
	cmd.Stdout = nil

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: stderr pipe: %w", err)
	}

	// Interrupt first, kill after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killGrace

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: start: %w", err)
	}

	tail := newTailBuffer(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			tail.add(scanner.Text())
		}
	}()

	waitErr := cmd.Wait()
	wg.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			waitErr = fmt.Errorf("%w (%v)", ctx.Err(), waitErr)
		}
		return &ExecError{Binary: c.Binary, Args: args, StderrTail: tail.lines(), Err: waitErr}
	}
	return nil
}

// formatSeconds renders milliseconds as fractional seconds for -ss/-t.
func formatSeconds(ms int64) string {
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	buf   []string
	start int
	count int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max, buf: make([]string, max)}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := (t.start + t.count) % t.max
	if t.count == t.max {
		t.buf[t.start] = line
		t.start = (t.start + 1) % t.max
	} else {
		t.buf[idx] = line
		t.count++
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, t.count)
	for i := 0; i < t.count; i++ {
		out = append(out, t.buf[(t.start+i)%t.max])
	}
	return out
}
