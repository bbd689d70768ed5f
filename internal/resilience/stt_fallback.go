package resilience

import (
	"context"

	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

// TranscriberFallback is an [stt.Transcriber] that fails over across several
// backends. A chunk that fails on every backend fails the transcription job.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a TranscriberFallback with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	if cfg.Kind == "" {
		cfg.Kind = "transcriber"
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) { f.group.AddFallback(name, t) }

// Transcribe implements stt.Transcriber.
func (f *TranscriberFallback) Transcribe(ctx context.Context, w audio.Waveform, params stt.TranscribeParams) (*stt.Transcription, error) {
	return Execute(ctx, f.group, func(t stt.Transcriber) (*stt.Transcription, error) {
		return t.Transcribe(ctx, w, params)
	})
}
