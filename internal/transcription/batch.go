package transcription

import (
	"cmp"
	"slices"
	"time"
)

// BatchStep maps audio up to MaxDuration (inclusive) to BatchSize.
type BatchStep struct {
	MaxDuration time.Duration
	BatchSize   int
}

// BatchSelector picks one transcription batch size per job from the total
// audio duration. The result is non-decreasing in duration and always within
// [Min, Max].
type BatchSelector struct {
	steps    []BatchStep
	min, max int
}

// NewBatchSelector returns a selector over steps clamped to [lo, hi]. Steps
// are sorted by duration and their sizes raised where needed so the mapping
// never decreases. Durations past the last step get hi.
func NewBatchSelector(lo, hi int, steps []BatchStep) BatchSelector {
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	sorted := slices.Clone(steps)
	slices.SortStableFunc(sorted, func(a, b BatchStep) int { return cmp.Compare(a.MaxDuration, b.MaxDuration) })
	for i := 1; i < len(sorted); i++ {
		sorted[i].BatchSize = max(sorted[i].BatchSize, sorted[i-1].BatchSize)
	}
	return BatchSelector{steps: sorted, min: lo, max: hi}
}

// Select returns the batch size for audio of duration d.
func (s BatchSelector) Select(d time.Duration) int {
	size := s.max
	for _, step := range s.steps {
		if d <= step.MaxDuration {
			size = step.BatchSize
			break
		}
	}
	return min(max(size, s.min), s.max)
}
