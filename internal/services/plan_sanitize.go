package services

import (
	"slices"
	"strings"

	"github.com/bobarin/storyteller/internal/models"
)

var (
	allowedShots       = []string{"close-up", "medium", "wide", "first-person", "drone", "static"}
	allowedMoves       = []string{"pan", "tilt", "zoom", "dolly-in", "dolly-out", "shake", "none"}
	allowedSceneMoods  = []string{"calm", "tense", "joyful", "mysterious", "epic", "dark"}
	allowedSoundCues   = []string{"quiet", "rise", "climax", "fade"}
	allowedTransitions = []string{"cut", "fade", "wipe", "none"}
)

// rawPlan is the loosely typed model output before sanitizing.
type rawPlan struct {
	Title    string      `json:"title"`
	Timeline []rawSecond `json:"timeline"`
}

type rawSecond struct {
	Visual     string            `json:"visual"`
	Camera     rawCamera         `json:"camera"`
	Emotion    string            `json:"emotion"`
	SceneMood  string            `json:"sceneMood"`
	Style      string            `json:"style"`
	SoundCue   string            `json:"soundCue"`
	Transition string            `json:"transition"`
	Dialogue   string            `json:"dialogue"`
	VoiceLine  string            `json:"voiceLine"`
	Overrides  *models.Overrides `json:"overrides"`
}

type rawCamera struct {
	Shot     string `json:"shot"`
	Movement string `json:"movement"`
}

// sanitizePlan re-indexes t from 0 and clamps every enumerated field to its
// vocabulary. Empty visuals inherit the previous second's.
func sanitizePlan(p rawPlan) *models.Timeline {
	tl := &models.Timeline{Title: strings.TrimSpace(p.Title), Seconds: make([]models.Second, len(p.Timeline))}
	prevVisual := "scene"
	for i, s := range p.Timeline {
		visual := strings.TrimSpace(s.Visual)
		if visual == "" {
			visual = prevVisual
		}
		prevVisual = visual

		emotion := strings.TrimSpace(s.Emotion)
		if emotion == "" {
			emotion = "neutral"
		}

		tl.Seconds[i] = models.Second{
			T:      i,
			Visual: visual,
			Camera: models.Camera{
				Shot:     oneOf(s.Camera.Shot, allowedShots, "medium"),
				Movement: oneOf(s.Camera.Movement, allowedMoves, "none"),
			},
			Emotion:    emotion,
			SceneMood:  oneOf(s.SceneMood, allowedSceneMoods, ""),
			Style:      strings.TrimSpace(s.Style),
			SoundCue:   models.SoundCue(oneOf(s.SoundCue, allowedSoundCues, string(models.SoundCueQuiet))),
			Transition: oneOf(s.Transition, allowedTransitions, "cut"),
			Dialogue:   strings.TrimSpace(s.Dialogue),
			VoiceLine:  strings.TrimSpace(s.VoiceLine),
			Overrides:  s.Overrides,
		}
	}
	return tl
}

func oneOf(v string, allowed []string, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if slices.Contains(allowed, v) {
		return v
	}
	return fallback
}
