package audio

import (
	"math"
	"time"
)

// DuckingParams tune the sidechain compressor that pulls music down under
// narration.
type DuckingParams struct {
	Threshold float64 // linear level of the key signal above which gain reduction starts
	Ratio     float64
	Attack    time.Duration
	Release   time.Duration
}

var DefaultDucking = DuckingParams{
	Threshold: 0.25,
	Ratio:     8,
	Attack:    20 * time.Millisecond,
	Release:   150 * time.Millisecond,
}

// Duck compresses main using key as the sidechain. Both are at sampleRate;
// key samples past its end count as silence.
func Duck(main, key []float64, sampleRate int, p DuckingParams) []float64 {
	out := make([]float64, len(main))
	attack := smoothing(p.Attack, sampleRate)
	release := smoothing(p.Release, sampleRate)

	var level float64
	for i, s := range main {
		var k float64
		if i < len(key) {
			k = math.Abs(key[i])
		}
		if k > level {
			level = attack*level + (1-attack)*k
		} else {
			level = release*level + (1-release)*k
		}
		out[i] = s * duckGain(level, p)
	}
	return out
}

func duckGain(level float64, p DuckingParams) float64 {
	if level <= p.Threshold || p.Threshold <= 0 || p.Ratio <= 1 {
		return 1
	}
	// Output level rises by 1/ratio dB per dB over the threshold.
	return math.Pow(level/p.Threshold, 1/p.Ratio-1)
}

func smoothing(d time.Duration, sampleRate int) float64 {
	samples := d.Seconds() * float64(sampleRate)
	if samples <= 0 {
		return 0
	}
	return math.Exp(-1 / samples)
}
