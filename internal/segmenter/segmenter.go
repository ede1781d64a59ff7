// Package segmenter splits a timeline into provider-sized segments.
package segmenter

import (
	"sort"

	"github.com/bobarin/storyteller/internal/models"
)

// Segmenter is a deterministic greedy best-fit partitioner.
type Segmenter struct {
	// HighCapacity is tried when no regular candidate fits the remainder.
	HighCapacity *models.ProviderCapability
	// MaxOvershoot bounds the remainder correction: the last clip may be
	// requested up to this many seconds longer than what is left, and its
	// timeline coverage is trimmed back. Zero disables the correction.
	MaxOvershoot int
}

func New(highCapacity *models.ProviderCapability, maxOvershoot int) *Segmenter {
	return &Segmenter{HighCapacity: highCapacity, MaxOvershoot: maxOvershoot}
}

// Segment partitions n seconds into consecutive segments whose durations sum
// to n. Candidates are ranked by quality descending; equal quality keeps
// declaration order. For each remainder the first candidate supporting any
// duration <= remainder wins with its largest such duration.
func (s *Segmenter) Segment(n int, candidates []models.ProviderCapability) ([]models.Segment, error) {
	if n <= 0 {
		return nil, &models.ValidationError{Field: "duration", Reason: "must be positive"}
	}

	ranked := make([]models.ProviderCapability, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Quality > ranked[j].Quality
	})

	var segments []models.Segment
	start := 0
	remaining := n
	for remaining > 0 {
		name, d, ok := bestFit(ranked, remaining)
		if !ok && s.HighCapacity != nil {
			if fd, fok := largestAtMost(*s.HighCapacity, remaining); fok {
				name, d, ok = s.HighCapacity.Name, fd, true
			}
		}
		if !ok {
			name, d, ok = s.overshoot(ranked, remaining)
		}
		if !ok {
			return nil, &models.UnsupportedDurationError{Remaining: remaining}
		}

		segments = append(segments, models.Segment{
			Index:        len(segments),
			Start:        start,
			End:          start + d - 1,
			Duration:     d,
			ClipDuration: d,
			Provider:     name,
		})
		start += d
		remaining -= d
	}

	return correctRemainder(segments, n)
}

// correctRemainder trims the last segment so coverage sums to exactly n.
func correctRemainder(segments []models.Segment, n int) ([]models.Segment, error) {
	sum := 0
	for _, seg := range segments {
		sum += seg.Duration
	}
	if sum == n {
		return segments, nil
	}

	last := &segments[len(segments)-1]
	last.Duration += n - sum
	if last.Duration <= 0 {
		return nil, &models.SegmentationInvalidError{Index: last.Index, Duration: last.Duration}
	}
	last.End = last.Start + last.Duration - 1
	return segments, nil
}

func bestFit(ranked []models.ProviderCapability, remaining int) (string, int, bool) {
	for _, c := range ranked {
		if d, ok := largestAtMost(c, remaining); ok {
			return c.Name, d, true
		}
	}
	return "", 0, false
}

// overshoot picks the smallest supported duration above remaining within
// MaxOvershoot, preferring higher quality.
func (s *Segmenter) overshoot(ranked []models.ProviderCapability, remaining int) (string, int, bool) {
	if s.MaxOvershoot <= 0 {
		return "", 0, false
	}
	pool := ranked
	if s.HighCapacity != nil {
		pool = append(append([]models.ProviderCapability(nil), ranked...), *s.HighCapacity)
	}
	for _, c := range pool {
		best := 0
		for _, d := range c.Durations {
			if d > remaining && d-remaining <= s.MaxOvershoot && (best == 0 || d < best) {
				best = d
			}
		}
		if best > 0 {
			return c.Name, best, true
		}
	}
	return "", 0, false
}

func largestAtMost(c models.ProviderCapability, limit int) (int, bool) {
	best := 0
	for _, d := range c.Durations {
		if d > 0 && d <= limit && d > best {
			best = d
		}
	}
	return best, best > 0
}
