package audio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/bobarin/storyteller/internal/deadline"
	"github.com/bobarin/storyteller/internal/models"
)

const narrationPeak = 0.9

// Utterance is one line of narration starting at second Start.
type Utterance struct {
	Start int
	Text  string
}

// Utterances collects voice lines (falling back to dialogue) from the
// timeline. A line repeated on consecutive seconds is spoken once.
func Utterances(tl *models.Timeline) []Utterance {
	var out []Utterance
	prev := ""
	for _, s := range tl.Seconds {
		line := strings.TrimSpace(s.VoiceLine)
		if line == "" {
			line = strings.TrimSpace(s.Dialogue)
		}
		if line != "" && line != prev {
			out = append(out, Utterance{Start: s.T, Text: line})
		}
		prev = line
	}
	return out
}

// Speaker turns one line of narration into encoded audio the Decoder can
// read. voiceStyle is a free-form delivery note.
type Speaker interface {
	Speak(ctx context.Context, text, voiceStyle string) ([]byte, error)
}

// NarrationBuilder synthesizes every utterance and lays them on an
// N-second track.
type NarrationBuilder struct {
	Voice      Speaker
	Decoder    Decoder
	VoiceStyle string
	SampleRate int
	Policy     deadline.Policy
}

// Build returns a WAV track exactly as long as the timeline, or nil when the
// timeline has nothing to say. Lines that fail to synthesize are skipped.
func (b *NarrationBuilder) Build(ctx context.Context, tl *models.Timeline) ([]byte, error) {
	lines := Utterances(tl)
	if len(lines) == 0 || b.Voice == nil {
		return nil, nil
	}

	rate := b.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}
	total := tl.Duration() * rate
	track := make([]float64, total)

	var (
		placed int
		cursor int
		errs   []error
	)
	for i, u := range lines {
		speech, err := deadline.Call(ctx, fmt.Sprintf("tts line %d", i), b.Policy, func(ctx context.Context) ([]byte, error) {
			return b.Voice.Speak(ctx, u.Text, b.VoiceStyle)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Narration] Warning: line %d at %ds failed: %v", i, u.Start, err)
			errs = append(errs, err)
			continue
		}

		pcm, err := b.Decoder.Decode(ctx, speech)
		if err != nil {
			log.Printf("[Narration] Warning: line %d audio undecodable: %v", i, err)
			errs = append(errs, err)
			continue
		}

		// Lines never overlap: a long line pushes the next one later.
		start := u.Start * rate
		if cursor > start {
			start = cursor
		}
		if start >= total {
			log.Printf("[Narration] Warning: line %d does not fit in the %ds track, dropping", i, tl.Duration())
			continue
		}
		n := copy(track[start:], pcm.Samples)
		cursor = start + n
		placed++
	}

	if placed == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("no narration line could be synthesized: %w", errors.Join(errs...))
		}
		return nil, nil
	}

	normalizePeak(track, narrationPeak)
	log.Printf("[Narration] Built %ds track from %d/%d lines", tl.Duration(), placed, len(lines))
	return EncodeWAV(&PCM{SampleRate: rate, Samples: track}), nil
}

func normalizePeak(samples []float64, target float64) {
	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(s))
	}
	if peak == 0 {
		return
	}
	g := target / peak
	for i := range samples {
		samples[i] *= g
	}
}

// DefaultNarrationPolicy bounds each TTS call.
func DefaultNarrationPolicy() deadline.Policy {
	return deadline.Policy{Timeout: 90 * time.Second, Attempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
}
