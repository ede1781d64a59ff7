// Package audio builds the music gain envelope and mixes narration and
// music into the single audio track used for the final render.
package audio

import (
	"strconv"

	"github.com/bobarin/storyteller/internal/models"
)

// CueGains maps each sound cue to a music gain.
var CueGains = map[models.SoundCue]float64{
	models.SoundCueQuiet:  0.25,
	models.SoundCueRise:   0.6,
	models.SoundCueClimax: 1.0,
	models.SoundCueFade:   0.0,
}

const defaultCueGain = 0.25

// GainInterval covers [Start, End) seconds at a constant gain.
type GainInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Gain  float64 `json:"gain"`
}

// GainEnvelope is an ordered, gapless list of intervals.
type GainEnvelope []GainInterval

// BuildEnvelope applies CueGains per second and merges consecutive seconds
// with equal gain.
func BuildEnvelope(tl *models.Timeline) GainEnvelope {
	if tl == nil || len(tl.Seconds) == 0 {
		return nil
	}

	var env GainEnvelope
	for i, s := range tl.Seconds {
		g := cueGain(s.SoundCue)
		if n := len(env); n > 0 && env[n-1].Gain == g {
			env[n-1].End = float64(i + 1)
			continue
		}
		env = append(env, GainInterval{Start: float64(i), End: float64(i + 1), Gain: g})
	}
	return env
}

func cueGain(c models.SoundCue) float64 {
	if g, ok := CueGains[c]; ok {
		return g
	}
	return defaultCueGain
}

// GainAt evaluates the envelope at time t. Times past the end hold the last
// interval's gain.
func (e GainEnvelope) GainAt(t float64) float64 {
	if len(e) == 0 {
		return 1
	}
	for _, iv := range e {
		if t >= iv.Start && t < iv.End {
			return iv.Gain
		}
	}
	if t < e[0].Start {
		return e[0].Gain
	}
	return e[len(e)-1].Gain
}

// Duration is the end of the last interval.
func (e GainEnvelope) Duration() float64 {
	if len(e) == 0 {
		return 0
	}
	return e[len(e)-1].End
}

// Expr renders the envelope as an ffmpeg expression in t, nesting one
// if(between(...)) per interval with the last interval's gain innermost.
func (e GainEnvelope) Expr() string {
	if len(e) == 0 {
		return "1"
	}
	expr := formatNum(e[len(e)-1].Gain)
	for i := len(e) - 2; i >= 0; i-- {
		iv := e[i]
		// between() is inclusive; subtract a hair so boundaries belong to the next interval.
		end := iv.End - 0.001
		expr = "if(between(t," + formatNum(iv.Start) + "," + formatNum(end) + ")," + formatNum(iv.Gain) + "," + expr + ")"
	}
	return expr
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
