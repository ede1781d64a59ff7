package audio

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/bobarin/storyteller/internal/models"
)

// MixCase is which of the four mutually exclusive mixes applies.
type MixCase string

const (
	MixDucked        MixCase = "ducked"
	MixMusicOnly     MixCase = "music_only"
	MixNarrationOnly MixCase = "narration_only"
	MixPlaceholder   MixCase = "placeholder"
)

const (
	placeholderFrequency = 440.0
	placeholderAmplitude = 0.3

	// Music loudness target before cue gains: -20 dBFS RMS, -1 dBFS peak.
	musicTargetRMS   = 0.1
	musicPeakCeiling = 0.891
	musicLoudnorm    = "loudnorm=I=-20:TP=-1"
)

// Classify picks the mix case from which inputs are present.
func Classify(narration, music []byte) MixCase {
	switch {
	case len(narration) > 0 && len(music) > 0:
		return MixDucked
	case len(music) > 0:
		return MixMusicOnly
	case len(narration) > 0:
		return MixNarrationOnly
	default:
		return MixPlaceholder
	}
}

// MixResult describes the written audio track.
type MixResult struct {
	Path     string        `json:"path"`
	Case     MixCase       `json:"case"`
	Duration time.Duration `json:"duration"`
}

// Mixer produces the single audio track for a timeline.
type Mixer interface {
	Mix(ctx context.Context, tl *models.Timeline, narration, music []byte, outPath string) (*MixResult, error)
}

// PCMMixer mixes in-process. Only non-WAV inputs touch ffmpeg, through Decoder.
type PCMMixer struct {
	Decoder    Decoder
	Ducking    DuckingParams
	SampleRate int
}

var _ Mixer = (*PCMMixer)(nil)

// NewPCMMixer returns a mixer with the default ducking parameters.
func NewPCMMixer(dec Decoder) *PCMMixer {
	return &PCMMixer{Decoder: dec, Ducking: DefaultDucking, SampleRate: DefaultSampleRate}
}

func (m *PCMMixer) Mix(ctx context.Context, tl *models.Timeline, narration, music []byte, outPath string) (*MixResult, error) {
	n := tl.Duration()
	if n <= 0 {
		return nil, fmt.Errorf("cannot mix audio for an empty timeline")
	}
	rate := m.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}
	total := n * rate
	mixCase := Classify(narration, music)
	result := &MixResult{Path: outPath, Case: mixCase, Duration: time.Duration(n) * time.Second}

	log.Printf("[Audio] Mixing %ds track (%s)", n, mixCase)

	switch mixCase {
	case MixNarrationOnly:
		// Narration is already a finished N-second track.
		if err := os.WriteFile(outPath, narration, 0644); err != nil {
			return nil, fmt.Errorf("failed to write narration track: %w", err)
		}
		return result, nil

	case MixPlaceholder:
		if err := os.WriteFile(outPath, EncodeWAV(Tone(placeholderFrequency, placeholderAmplitude, n, rate)), 0644); err != nil {
			return nil, fmt.Errorf("failed to write placeholder tone: %w", err)
		}
		return result, nil
	}

	bgm, err := m.Decoder.Decode(ctx, music)
	if err != nil {
		return nil, fmt.Errorf("failed to decode music: %w", err)
	}
	if len(bgm.Samples) == 0 {
		return nil, fmt.Errorf("music track is empty")
	}
	NormalizeLoudness(bgm.Samples, musicTargetRMS, musicPeakCeiling)
	shaped := ApplyEnvelope(Loop(bgm.Samples, total), BuildEnvelope(tl), rate)

	out := shaped
	if mixCase == MixDucked {
		voice, err := m.Decoder.Decode(ctx, narration)
		if err != nil {
			return nil, fmt.Errorf("failed to decode narration: %w", err)
		}
		key := Fit(voice.Samples, total)
		ducked := Duck(shaped, key, rate, m.Ducking)
		out = make([]float64, total)
		for i := range out {
			out[i] = clip(key[i] + ducked[i])
		}
	}

	if err := os.WriteFile(outPath, EncodeWAV(&PCM{SampleRate: rate, Samples: out}), 0644); err != nil {
		return nil, fmt.Errorf("failed to write mixed track: %w", err)
	}
	return result, nil
}

// NormalizeLoudness scales samples in place so their RMS reaches target,
// with the gain capped so no sample exceeds ceiling. Silence is left as is.
// It returns the applied gain.
func NormalizeLoudness(samples []float64, target, ceiling float64) float64 {
	rms := RMS(samples, 0, len(samples))
	if rms == 0 {
		return 1
	}
	gain := target / rms

	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(s))
	}
	if peak*gain > ceiling {
		gain = ceiling / peak
	}
	for i := range samples {
		samples[i] *= gain
	}
	return gain
}

// ApplyEnvelope multiplies each sample by the envelope gain at its time.
func ApplyEnvelope(samples []float64, env GainEnvelope, sampleRate int) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s * env.GainAt(float64(i)/float64(sampleRate))
	}
	return out
}

// Loop repeats samples until n samples are produced.
func Loop(samples []float64, n int) []float64 {
	out := make([]float64, n)
	if len(samples) == 0 {
		return out
	}
	for i := range out {
		out[i] = samples[i%len(samples)]
	}
	return out
}

// Fit truncates or zero-pads samples to exactly n.
func Fit(samples []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, samples)
	return out
}

// Tone generates a sine wave of the given length in seconds.
func Tone(freq, amplitude float64, seconds, sampleRate int) *PCM {
	samples := make([]float64, seconds*sampleRate)
	for i := range samples {
		samples[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return &PCM{SampleRate: sampleRate, Samples: samples}
}
