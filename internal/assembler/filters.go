package assembler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bobarin/storyteller/internal/ffmpeg"
	"github.com/bobarin/storyteller/internal/models"
)

// timedOverlay is an overlay image shown over [Start, End) seconds.
type timedOverlay struct {
	models.Overlay
	Start, End int
}

// timedLUT is a color lookup table applied over [Start, End) seconds.
type timedLUT struct {
	models.LUT
	Start, End int
}

// visibleTimeline returns the seconds that actually appear in the joined
// video, re-numbered from 0. Seconds of dropped segments are removed so
// their overlays, LUTs and dialogue do not land on a later clip.
func visibleTimeline(job models.AssemblyJob) *models.Timeline {
	tl := job.Timeline
	if tl == nil || len(job.ClipSpans) != len(job.ClipPaths) {
		return tl
	}
	visible := &models.Timeline{}
	for _, span := range job.ClipSpans {
		for t := max(span.Start, 0); t < span.End && t < len(tl.Seconds); t++ {
			s := tl.Seconds[t]
			s.T = len(visible.Seconds)
			visible.Seconds = append(visible.Seconds, s)
		}
	}
	return visible
}

// collectOverlays gathers per-second overlays, merging a run of seconds that
// carry the same overlay into one window.
func collectOverlays(tl *models.Timeline) []timedOverlay {
	var out []timedOverlay
	if tl == nil {
		return nil
	}
	open := map[models.Overlay]int{} // overlay -> index in out of its current window
	for _, s := range tl.Seconds {
		if s.Overrides == nil {
			continue
		}
		seen := map[models.Overlay]bool{}
		for _, o := range s.Overrides.Overlays {
			if o.Path == "" || seen[o] {
				continue
			}
			seen[o] = true
			if i, ok := open[o]; ok && out[i].End == s.T {
				out[i].End = s.T + 1
				continue
			}
			open[o] = len(out)
			out = append(out, timedOverlay{Overlay: o, Start: s.T, End: s.T + 1})
		}
	}
	return out
}

func collectLUTs(tl *models.Timeline) []timedLUT {
	var out []timedLUT
	if tl == nil {
		return nil
	}
	open := map[models.LUT]int{}
	for _, s := range tl.Seconds {
		if s.Overrides == nil {
			continue
		}
		for _, l := range s.Overrides.LUTs {
			if l.Path == "" {
				continue
			}
			if i, ok := open[l]; ok && out[i].End == s.T {
				out[i].End = s.T + 1
				continue
			}
			open[l] = len(out)
			out = append(out, timedLUT{LUT: l, Start: s.T, End: s.T + 1})
		}
	}
	return out
}

// concatGraph describes the normalize+concat filtergraph and the extra
// inputs (overlay images) it needs after the clips.
type concatGraph struct {
	Filter      string
	OutputLabel string
	ExtraInputs []string
}

type graphSpec struct {
	Width, Height, FPS int
	Durations          []int
	Overlays           []timedOverlay
	LUTs               []timedLUT
	SubtitlePath       string
}

func between(start, end int) string {
	return fmt.Sprintf("enable='between(t,%d,%d)'", start, end)
}

// buildConcatGraph scales and pads every clip to the target frame, trims it
// to its segment length, concatenates, then layers LUTs, overlays and
// subtitles on the joined stream.
func buildConcatGraph(clips int, spec graphSpec) concatGraph {
	var chains []string
	w, h := strconv.Itoa(spec.Width), strconv.Itoa(spec.Height)

	var joined strings.Builder
	for i := 0; i < clips; i++ {
		chain := fmt.Sprintf("[%d:v]", i)
		if i < len(spec.Durations) && spec.Durations[i] > 0 {
			chain += fmt.Sprintf("trim=duration=%d,setpts=PTS-STARTPTS,", spec.Durations[i])
		}
		chain += fmt.Sprintf(
			"scale=%s:%s:force_original_aspect_ratio=decrease,pad=%s:%s:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p[v%d]",
			w, h, w, h, spec.FPS, i,
		)
		chains = append(chains, chain)
		fmt.Fprintf(&joined, "[v%d]", i)
	}
	current := "base"
	chains = append(chains, fmt.Sprintf("%sconcat=n=%d:v=1:a=0[%s]", joined.String(), clips, current))

	for i, l := range spec.LUTs {
		next := fmt.Sprintf("lut%d", i)
		path := ffmpeg.EscapeFilterPath(l.Path)
		if l.Intensity > 0 && l.Intensity < 1 {
			// Partial strength: blend the graded copy over the original.
			chains = append(chains,
				fmt.Sprintf("[%s]split=2[%s_a][%s_b]", current, next, next),
				fmt.Sprintf("[%s_b]lut3d='%s'[%s_g]", next, path, next),
				fmt.Sprintf("[%s_a][%s_g]blend=all_expr='A*(1-%s)+B*%s':%s[%s]",
					next, next, formatFloat(l.Intensity), formatFloat(l.Intensity), between(l.Start, l.End), next),
			)
		} else {
			chains = append(chains, fmt.Sprintf("[%s]lut3d='%s':%s[%s]", current, path, between(l.Start, l.End), next))
		}
		current = next
	}

	var extra []string
	for i, o := range spec.Overlays {
		input := clips + i
		extra = append(extra, o.Path)
		opacity := o.Opacity
		if opacity <= 0 || opacity > 1 {
			opacity = 1
		}
		ol := fmt.Sprintf("ol%d", i)
		next := fmt.Sprintf("ov%d", i)
		chains = append(chains,
			fmt.Sprintf("[%d:v]format=rgba,colorchannelmixer=aa=%s,format=yuva420p[%s]", input, formatFloat(opacity), ol),
			fmt.Sprintf("[%s][%s]overlay=%d:%d:%s[%s]", current, ol, o.X, o.Y, between(o.Start, o.End), next),
		)
		current = next
	}

	if spec.SubtitlePath != "" {
		chains = append(chains, fmt.Sprintf("[%s]ass='%s'[subs]", current, ffmpeg.EscapeFilterPath(spec.SubtitlePath)))
		current = "subs"
	}

	return concatGraph{
		Filter:      strings.Join(chains, ";"),
		OutputLabel: "[" + current + "]",
		ExtraInputs: extra,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
