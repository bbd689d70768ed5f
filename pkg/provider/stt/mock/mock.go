// Package mock provides test doubles for the stt capability interfaces.
//
// Each mock records its calls and is safe for concurrent use, which matters
// because the transcription pipeline calls Transcribe from several workers.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

var (
	_ stt.Transcriber = (*Transcriber)(nil)
	_ stt.Aligner     = (*Aligner)(nil)
	_ stt.Diarizer    = (*Diarizer)(nil)
)

// TranscribeCall records one Transcribe invocation.
type TranscribeCall struct {
	Duration time.Duration
	Params   stt.TranscribeParams
}

// Transcriber is a mock stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// TranscribeFunc computes the result when set. Otherwise Result/Err are
	// returned for every call.
	TranscribeFunc func(ctx context.Context, w audio.Waveform, params stt.TranscribeParams) (*stt.Transcription, error)
	Result         *stt.Transcription
	Err            error

	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (m *Transcriber) Transcribe(ctx context.Context, w audio.Waveform, params stt.TranscribeParams) (*stt.Transcription, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, TranscribeCall{Duration: w.Duration(), Params: params})
	fn, res, err := m.TranscribeFunc, m.Result, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, w, params)
	}
	return res, err
}

// CallCount returns the number of Transcribe calls so far.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Aligner is a mock stt.Aligner. With no function or error set it returns the
// segments unchanged.
type Aligner struct {
	mu sync.Mutex

	AlignFunc func(segments []stt.Segment, language string) ([]stt.Segment, error)
	Err       error

	Languages []string
}

// Align records the language and returns the configured result.
func (m *Aligner) Align(_ context.Context, _ audio.Waveform, segments []stt.Segment, language string) ([]stt.Segment, error) {
	m.mu.Lock()
	m.Languages = append(m.Languages, language)
	fn, err := m.AlignFunc, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(segments, language)
	}
	if err != nil {
		return nil, err
	}
	return segments, nil
}

// CallCount returns the number of Align calls so far.
func (m *Aligner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Languages)
}

// Diarizer is a mock stt.Diarizer.
type Diarizer struct {
	mu sync.Mutex

	Turns []stt.SpeakerTurn
	Err   error

	// Durations records the length of every diarized waveform.
	Durations []time.Duration
}

// Diarize records the call and returns Turns or Err.
func (m *Diarizer) Diarize(_ context.Context, w audio.Waveform) ([]stt.SpeakerTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Durations = append(m.Durations, w.Duration())
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Turns, nil
}

// CallCount returns the number of Diarize calls so far.
func (m *Diarizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Durations)
}
