package assembler

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/bobarin/storyteller/internal/models"
)

// ---------------------------------------------------------------------------
// Dialogue subtitles (ASS)
//
// Dialogue lines from the timeline are shown a few words at a time with the
// current word highlighted. Word timings are spread evenly over the seconds
// the line is held on the timeline.
// ---------------------------------------------------------------------------

const (
	wordsPerChunk = 4

	// Must match a font installed in the render image.
	subtitleFontName = "Noto Sans"

	// ASS colors are &HAABBGGRR
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorPurple    = "&H00CC3299"
	assColorSemiBlack = "&H80000000"
)

type timedWord struct {
	Word       string
	Start, End float64
}

// dialogueWords lays out every dialogue run's words across its seconds.
func dialogueWords(tl *models.Timeline) []timedWord {
	var words []timedWord
	if tl == nil {
		return nil
	}
	for i := 0; i < len(tl.Seconds); {
		line := strings.TrimSpace(tl.Seconds[i].Dialogue)
		j := i + 1
		for j < len(tl.Seconds) && strings.TrimSpace(tl.Seconds[j].Dialogue) == line {
			j++
		}
		if line != "" {
			fields := strings.Fields(line)
			span := float64(j-i) / float64(len(fields))
			for k, f := range fields {
				start := float64(tl.Seconds[i].T) + float64(k)*span
				words = append(words, timedWord{Word: f, Start: start, End: start + span})
			}
		}
		i = j
	}
	return words
}

// writeSubtitles renders dialogue to an ASS file sized for a width x height
// frame. It reports false when the timeline has no dialogue.
func writeSubtitles(tl *models.Timeline, width, height int, outputPath string) (bool, error) {
	words := dialogueWords(tl)
	if len(words) == 0 {
		return false, nil
	}

	// Proportions tuned on a 2160x3840 canvas.
	fontSize := height * 124 / 3840
	outline := max(1, height*6/3840)
	highlight := max(2, height*16/3840)
	marginV := height * 440 / 3840

	var sb strings.Builder
	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", width)
	fmt.Fprintf(&sb, "PlayResY: %d\n", height)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb,
		"Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,2,0,1,%d,0,2,40,40,%d,1\n",
		subtitleFontName, fontSize,
		assColorWhite, assColorWhite, assColorBlack, assColorSemiBlack,
		outline, marginV,
	)
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	for _, chunk := range chunkWords(words, wordsPerChunk) {
		for idx, word := range chunk {
			end := word.End
			if idx < len(chunk)-1 {
				end = chunk[idx+1].Start
			}
			fmt.Fprintf(&sb, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
				formatASSTime(word.Start),
				formatASSTime(end),
				highlightChunk(chunk, idx, highlight),
			)
		}
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return false, fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}
	return true, nil
}

// chunkWords groups words for display, breaking early at sentence ends.
func chunkWords(words []timedWord, size int) [][]timedWord {
	var chunks [][]timedWord
	var current []timedWord

	for _, w := range words {
		current = append(current, w)
		sentenceEnd := strings.ContainsAny(w.Word, ".!?")
		if len(current) >= size || (sentenceEnd && len(current) >= 2) {
			chunks = append(chunks, current)
			current = nil
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// highlightChunk renders e.g. "THE {\3c&H00CC3299\bord16}HISTORY{\r} OF COFFEE".
func highlightChunk(chunk []timedWord, active, border int) string {
	var parts []string
	for i, w := range chunk {
		clean := strings.ToUpper(strings.TrimSpace(w.Word))
		if clean == "" {
			continue
		}
		if i == active {
			parts = append(parts, fmt.Sprintf("{\\3c%s\\bord%d}%s{\\r}", assColorPurple, border, clean))
		} else {
			parts = append(parts, clean)
		}
	}
	return strings.Join(parts, " ")
}

// formatASSTime formats seconds as H:MM:SS.CC.
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(math.Round(seconds * 100))
	hours := total / 360000
	minutes := (total % 360000) / 6000
	secs := (total % 6000) / 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, total%100)
}
