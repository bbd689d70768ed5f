// This file contains the in-process variants backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

var (
	_ stt.Transcriber = (*Native)(nil)
	_ stt.Aligner     = (*NativeAligner)(nil)
)

// alignPadding widens each segment window so boundary words are not clipped
// during re-alignment.
const alignPadding = 250 * time.Millisecond

// ModelFunc borrows a loaded model for language. release must be called once
// the model is no longer used by the caller.
type ModelFunc func(ctx context.Context, language string) (model whisperlib.Model, release func(), err error)

// LoadModel loads a ggml model file. It is the loader the model cache uses for
// whisper.cpp models.
func LoadModel(path string) (whisperlib.Model, error) {
	if path == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	return m, nil
}

// Native transcribes waveforms in-process. Each call creates its own
// whisper.cpp context from the borrowed model; contexts are not shared.
type Native struct {
	models  ModelFunc
	threads uint
}

// NativeOption is a functional option for configuring a Native transcriber.
type NativeOption func(*Native)

// WithThreads sets the number of CPU threads per inference. Zero keeps the
// whisper.cpp default.
func WithThreads(n uint) NativeOption {
	return func(t *Native) { t.threads = n }
}

// NewNative creates a Native transcriber borrowing models from models.
func NewNative(models ModelFunc, opts ...NativeOption) (*Native, error) {
	if models == nil {
		return nil, errors.New("whisper: model func must not be nil")
	}
	n := &Native{models: models}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Transcribe implements stt.Transcriber. whisper.cpp decodes sequentially, so
// params.BatchSize is ignored.
func (n *Native) Transcribe(ctx context.Context, w audio.Waveform, params stt.TranscribeParams) (*stt.Transcription, error) {
	model, release, err := n.models(ctx, params.Language)
	if err != nil {
		return nil, fmt.Errorf("whisper: acquire model: %w", err)
	}
	defer release()

	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	lang := params.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.WarnContext(ctx, "whisper: failed to set language, using model default", "language", lang, "error", err)
	}
	if n.threads > 0 {
		wctx.SetThreads(n.threads)
	}

	samples := audio.Normalize(w, audio.ModelSampleRate).Samples
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	out := &stt.Transcription{Language: params.Language}
	if out.Language == "" {
		out.Language = wctx.DetectedLanguage()
	}
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		out.Segments = append(out.Segments, stt.Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       text,
			Confidence: tokenConfidence(seg.Tokens),
		})
	}
	return out, nil
}

// NativeAligner re-times segments using whisper.cpp token timestamps on a
// language-specific model. The model func returns stt.ErrNoAlignmentModel for
// languages without a configured model.
type NativeAligner struct {
	models ModelFunc
}

// NewNativeAligner creates an aligner borrowing models from models.
func NewNativeAligner(models ModelFunc) (*NativeAligner, error) {
	if models == nil {
		return nil, errors.New("whisper: model func must not be nil")
	}
	return &NativeAligner{models: models}, nil
}

// Align implements stt.Aligner. Each segment is re-decoded on a padded window
// of the audio and its bounds are snapped to the first and last timed token.
// Segments that yield no tokens keep their original timing.
func (a *NativeAligner) Align(ctx context.Context, w audio.Waveform, segments []stt.Segment, language string) ([]stt.Segment, error) {
	model, release, err := a.models(ctx, language)
	if err != nil {
		return nil, err
	}
	defer release()

	w = audio.Normalize(w, audio.ModelSampleRate)
	out := make([]stt.Segment, len(segments))
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = seg

		from := max(0, seg.Start-alignPadding)
		window := w.Slice(from, seg.End+alignPadding)
		if window.IsEmpty() {
			continue
		}

		wctx, err := model.NewContext()
		if err != nil {
			return nil, fmt.Errorf("whisper: create alignment context: %w", err)
		}
		if err := wctx.SetLanguage(language); err != nil {
			return nil, fmt.Errorf("whisper: %w: %s", stt.ErrNoAlignmentModel, language)
		}
		wctx.SetTokenTimestamps(true)
		if err := wctx.Process(window.Samples, nil, nil, nil); err != nil {
			return nil, fmt.Errorf("whisper: align segment %d: %w", i, err)
		}

		first, last, ok := tokenBounds(wctx)
		if !ok {
			continue
		}
		out[i].Start = from + first
		out[i].End = from + last
	}
	return out, nil
}

// tokenBounds returns the earliest token start and latest token end across
// all decoded segments.
func tokenBounds(wctx whisperlib.Context) (first, last time.Duration, ok bool) {
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			return first, last, ok
		}
		for _, tok := range seg.Tokens {
			if strings.HasPrefix(tok.Text, "[_") || tok.End <= tok.Start {
				continue
			}
			if !ok || tok.Start < first {
				first = tok.Start
			}
			if !ok || tok.End > last {
				last = tok.End
			}
			ok = true
		}
	}
}

func tokenConfidence(tokens []whisperlib.Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		sum += float64(t.P)
	}
	return sum / float64(len(tokens))
}
