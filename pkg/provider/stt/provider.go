// Package stt defines the speech capabilities consumed by the transcription
// pipeline: transcription of a waveform into timed segments, word-level
// re-alignment of those segments, and speaker diarization.
//
// All three operate on whole waveforms (batch, not streaming). Segment times
// are always relative to the waveform passed in; callers that slice a longer
// recording shift the results themselves.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/meetflow/pkg/audio"
)

// ErrNoAlignmentModel is returned by an [Aligner] when no alignment model
// exists for the requested language. Callers treat it as "skip alignment".
var ErrNoAlignmentModel = errors.New("stt: no alignment model for language")

// Segment is one timed span of transcribed speech.
type Segment struct {
	// Start and End bound the segment relative to the transcribed waveform.
	Start time.Duration
	End   time.Duration

	// Text is the recognised text, trimmed.
	Text string

	// Speaker is the diarization label (e.g. "SPEAKER_00"). Empty until a
	// diarizer has run.
	Speaker string

	// Confidence is the recogniser's confidence in [0, 1]; 0 when unknown.
	Confidence float64
}

// Midpoint returns the centre of the segment's time range.
func (s Segment) Midpoint() time.Duration { return s.Start + (s.End-s.Start)/2 }

// SpeakerTurn is one contiguous region attributed to a single speaker.
type SpeakerTurn struct {
	Start   time.Duration
	End     time.Duration
	Speaker string
}

// TranscribeParams carries per-call recognition settings.
type TranscribeParams struct {
	// Language is an ISO 639-1 code ("en", "de"). Empty requests detection.
	Language string

	// BatchSize is the decoding batch size chosen once per job. Backends
	// without batched decoding ignore it.
	BatchSize int
}

// Transcription is the result of one Transcribe call.
type Transcription struct {
	// Language is the detected or requested language.
	Language string

	// Segments are ordered by start time.
	Segments []Segment
}

// Transcriber converts a waveform into timed text segments.
type Transcriber interface {
	Transcribe(ctx context.Context, w audio.Waveform, params TranscribeParams) (*Transcription, error)
}

// Aligner refines segment timings against the audio. It returns
// [ErrNoAlignmentModel] when the language is unsupported.
type Aligner interface {
	Align(ctx context.Context, w audio.Waveform, segments []Segment, language string) ([]Segment, error)
}

// Diarizer attributes regions of a waveform to speakers.
type Diarizer interface {
	Diarize(ctx context.Context, w audio.Waveform) ([]SpeakerTurn, error)
}

// AssignSpeakers returns a copy of segments where each segment carries the
// speaker of the turn it overlaps most. Segments that overlap no turn get
// fallback.
func AssignSpeakers(segments []Segment, turns []SpeakerTurn, fallback string) []Segment {
	out := make([]Segment, len(segments))
	for i, seg := range segments {
		best, bestOverlap := fallback, time.Duration(0)
		for _, t := range turns {
			ov := min(seg.End, t.End) - max(seg.Start, t.Start)
			if ov > bestOverlap {
				best, bestOverlap = t.Speaker, ov
			}
		}
		seg.Speaker = best
		out[i] = seg
	}
	return out
}
