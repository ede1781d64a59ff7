package segmenter

import (
	"fmt"
	"strings"

	"github.com/bobarin/storyteller/internal/models"
)

const (
	atmosphereSuffix = "Atmosphere: cinematic, emotional."
	qualitySuffix    = "Render in 1080p, sharp focus, no watermark, no text."
)

// Attach fills each segment's prompt, style and generation overrides from
// the timeline seconds it covers.
func Attach(tl *models.Timeline, segments []models.Segment, style string) {
	for i := range segments {
		seg := &segments[i]
		seconds := tl.Slice(seg.Start, seg.End)
		seg.Style = segmentStyle(seconds, style)
		seg.Prompt = BuildPrompt(seconds, seg.Style)
		seg.Overrides = firstOverrides(seconds)
	}
}

// BuildPrompt derives a generation prompt from a run of seconds.
func BuildPrompt(seconds []models.Second, style string) string {
	if len(seconds) == 0 {
		return ""
	}

	first := seconds[0]
	parts := []string{}

	visuals := distinct(seconds, func(s models.Second) string { return s.Visual })
	if len(visuals) > 0 {
		parts = append(parts, strings.Join(visuals, ", then "))
	}

	movements := distinct(seconds, func(s models.Second) string { return s.Camera.Movement })
	if len(movements) > 0 {
		parts = append(parts, "Movement: "+strings.Join(movements, ", "))
	}

	if first.Camera.Shot != "" {
		parts = append(parts, fmt.Sprintf("Camera: %s shot", first.Camera.Shot))
	}

	moods := distinct(seconds, func(s models.Second) string { return s.SceneMood })
	if len(moods) > 0 {
		parts = append(parts, "Mood: "+strings.Join(moods, ", "))
	}

	emotions := distinct(seconds, func(s models.Second) string { return s.Emotion })
	if len(emotions) > 0 {
		parts = append(parts, "Emotion: "+strings.Join(emotions, ", "))
	}

	if style != "" {
		parts = append(parts, fmt.Sprintf("Visual style: %s", style))
	}

	parts = append(parts, atmosphereSuffix, qualitySuffix)
	return strings.Join(parts, ". ")
}

// segmentStyle prefers a style set on the segment's own seconds.
func segmentStyle(seconds []models.Second, fallback string) string {
	for _, s := range seconds {
		if s.Style != "" {
			return s.Style
		}
	}
	return fallback
}

func firstOverrides(seconds []models.Second) *models.Overrides {
	for _, s := range seconds {
		if !s.Overrides.IsZero() {
			return s.Overrides
		}
	}
	return nil
}

func distinct(seconds []models.Second, field func(models.Second) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range seconds {
		v := strings.TrimSpace(field(s))
		if v == "" || v == "none" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
