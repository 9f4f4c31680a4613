// SPDX-License-Identifier: MIT

package render

import (
	"fmt"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/lyra/internal/timeline"
)

// assHeader is the fixed burn-in style template.
const assHeader = `[Script Info]
Title: lyra karaoke subtitles
ScriptType: v4.00+
PlayResX: 1920
PlayResY: 1080
WrapStyle: 0

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
Style: Karaoke,Arial,72,&H00FFFFFF,&H000088EF,&H00000000,&H7F000000,-1,0,0,0,100,100,0,0,1,3,1,2,60,60,60,1

[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
`

// BuildASS renders the timeline as an ASS subtitle script. Timeline time
// zero equals video time zero (the audio is trimmed to the vocal onset), so
// line timestamps map straight through.
func BuildASS(lines []timeline.Line) string {
	var b strings.Builder
	b.WriteString(assHeader)
	for _, l := range lines {
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Karaoke,,0,0,0,,%s\n",
			assTimestamp(l.StartMS), assTimestamp(l.EndMS), escapeASS(l.Text))
	}
	return b.String()
}

// BuildSRT renders the optional external subtitle artifact.
func BuildSRT(lines []timeline.Line) string {
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTimestamp(l.StartMS), srtTimestamp(l.EndMS), l.Text)
	}
	return b.String()
}

// WriteSubtitleFile atomically writes subtitle content.
func WriteSubtitleFile(path, content string) error {
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("render: write subtitles %s: %w", path, err)
	}
	return nil
}

// assTimestamp renders H:MM:SS.cc (centiseconds).
func assTimestamp(ms int64) string {
	cs := (ms % 1000) / 10
	s := ms / 1000
	return fmt.Sprintf("%d:%02d:%02d.%02d", s/3600, (s%3600)/60, s%60, cs)
}

// srtTimestamp renders HH:MM:SS,mmm.
func srtTimestamp(ms int64) string {
	s := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", s/3600, (s%3600)/60, s%60, ms%1000)
}

// escapeASS neutralises ASS control sequences in lyric text.
func escapeASS(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, "{", "(")
	text = strings.ReplaceAll(text, "}", ")")
	text = strings.ReplaceAll(text, "\n", "\\N")
	return text
}
