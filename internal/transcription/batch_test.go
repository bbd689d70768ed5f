package transcription

import (
	"testing"
	"time"
)

func defaultSelector() BatchSelector {
	return NewBatchSelector(8, 16, []BatchStep{
		{MaxDuration: 10 * time.Minute, BatchSize: 8},
		{MaxDuration: 30 * time.Minute, BatchSize: 12},
	})
}

func TestBatchSelector_Select(t *testing.T) {
	s := defaultSelector()
	tests := []struct {
		d    time.Duration
		want int
	}{
		{30 * time.Second, 8},
		{10 * time.Minute, 8},
		{10*time.Minute + time.Second, 12},
		{30 * time.Minute, 12},
		{45 * time.Minute, 16},
		{120 * time.Minute, 16},
	}
	for _, tc := range tests {
		if got := s.Select(tc.d); got != tc.want {
			t.Errorf("Select(%s) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestBatchSelector_MonotonicAndClamped(t *testing.T) {
	selectors := map[string]BatchSelector{
		"default": defaultSelector(),
		"unsorted and decreasing": NewBatchSelector(4, 10, []BatchStep{
			{MaxDuration: 60 * time.Minute, BatchSize: 2},
			{MaxDuration: 5 * time.Minute, BatchSize: 9},
			{MaxDuration: 20 * time.Minute, BatchSize: 32},
		}),
		"no steps": NewBatchSelector(8, 16, nil),
		"inverted range": NewBatchSelector(16, 8, []BatchStep{{MaxDuration: time.Minute, BatchSize: 1}}),
	}
	for name, s := range selectors {
		t.Run(name, func(t *testing.T) {
			prev := 0
			for d := time.Duration(0); d <= 150*time.Minute; d += 30 * time.Second {
				got := s.Select(d)
				if got < s.min || got > s.max {
					t.Fatalf("Select(%s) = %d outside [%d, %d]", d, got, s.min, s.max)
				}
				if got < prev {
					t.Fatalf("Select(%s) = %d decreased from %d", d, got, prev)
				}
				prev = got
			}
		})
	}
}
