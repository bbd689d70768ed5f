// Package audio holds the decoded-audio value shared by the transcription
// pipeline and the speech providers, plus WAV decoding/encoding and the
// down-mix and resampling helpers needed to feed speech models.
//
// All speech providers consume mono float32 samples in [-1, 1]. Whisper-family
// models require [ModelSampleRate]; [Normalize] converts any decoded input to
// that format.
package audio

import "time"

// ModelSampleRate is the sample rate expected by the speech models (16 kHz).
const ModelSampleRate = 16000

// Waveform is an immutable view of mono float32 audio. Slicing shares the
// underlying sample array; callers must not write to Samples.
type Waveform struct {
	// Samples are mono samples normalised to [-1, 1].
	Samples []float32

	// SampleRate is the number of samples per second.
	SampleRate int
}

// Duration returns the play time of w.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// IsEmpty reports whether w holds no samples.
func (w Waveform) IsEmpty() bool { return len(w.Samples) == 0 }

// Slice returns the window [start, end) of w. Bounds are clamped to the
// waveform; an inverted range yields an empty waveform.
func (w Waveform) Slice(start, end time.Duration) Waveform {
	from := w.offset(start)
	to := w.offset(end)
	if to < from {
		to = from
	}
	return Waveform{Samples: w.Samples[from:to:to], SampleRate: w.SampleRate}
}

func (w Waveform) offset(d time.Duration) int {
	if d <= 0 || w.SampleRate <= 0 {
		return 0
	}
	n := int(int64(d) * int64(w.SampleRate) / int64(time.Second))
	if n > len(w.Samples) {
		n = len(w.Samples)
	}
	return n
}
