package meeting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/transcription"
	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/meetflow/pkg/provider/llm/mock"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/meetflow/pkg/provider/stt/mock"
)

var longMinutes = "## Overview\nThe team reviewed the quarterly roadmap.\n## Decisions\nShip the new importer in May.\n## Action items\nSpeaker 2 drafts the release notes."

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func pipelineConfig() transcription.Config {
	return transcription.Config{
		MaxDuration:        120 * time.Minute,
		LongAudioThreshold: 30 * time.Minute,
		ChunkDuration:      10 * time.Minute,
		ChunkOverlap:       5 * time.Second,
		Batch:              transcription.NewBatchSelector(8, 16, nil),
		Workers:            2,
		DefaultSpeaker:     "SPEAKER_00",
	}
}

func testPipeline(t *testing.T, tr stt.Transcriber, opts ...transcription.Option) *transcription.Pipeline {
	t.Helper()
	return transcription.NewPipeline(pipelineConfig(), tr, append(opts, transcription.WithMetrics(testMetrics(t)))...)
}

func recording(d time.Duration) audio.Waveform {
	return audio.Waveform{Samples: make([]float32, int(d/(10*time.Millisecond))), SampleRate: 100}
}

func TestRun_TranscribesAndGeneratesMinutes(t *testing.T) {
	tr := &sttmock.Transcriber{Result: &stt.Transcription{Language: "en", Segments: []stt.Segment{
		{Start: 0, End: 3 * time.Second, Text: "Let's go through the roadmap for next quarter."},
		{Start: 3 * time.Second, End: 6 * time.Second, Text: "The importer should ship in May."},
		{Start: 6 * time.Second, End: 9 * time.Second, Text: "I will draft the release notes."},
	}}}
	d := &sttmock.Diarizer{Turns: []stt.SpeakerTurn{
		{Start: 0, End: 6 * time.Second, Speaker: "SPEAKER_00"},
		{Start: 6 * time.Second, End: 9 * time.Second, Speaker: "SPEAKER_01"},
	}}
	gen := &llmmock.Provider{CompleteResponse: &llm.Response{Text: "  " + longMinutes + "\n"}}
	w := New(testPipeline(t, tr, transcription.WithDiarizer(d)), gen, WithMetrics(testMetrics(t)))

	var stages []transcription.State
	res, err := w.Run(context.Background(), Request{
		Audio:      recording(9 * time.Second),
		OnProgress: func(p transcription.Progress) { stages = append(stages, p.State) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Minutes != longMinutes {
		t.Errorf("Minutes = %q, want trimmed model output", res.Minutes)
	}
	wantTranscript := "Speaker 1: Let's go through the roadmap for next quarter. The importer should ship in May.\nSpeaker 2: I will draft the release notes."
	if res.Transcript != wantTranscript {
		t.Errorf("Transcript =\n%s\nwant\n%s", res.Transcript, wantTranscript)
	}
	if res.Partial {
		t.Error("Partial = true on a complete job")
	}
	if len(stages) == 0 || stages[len(stages)-1] != transcription.StateComplete {
		t.Errorf("progress states = %v, want to end with complete", stages)
	}

	if gen.CompleteCallCount() != 1 {
		t.Fatalf("Complete called %d times, want 1", gen.CompleteCallCount())
	}
	req := gen.CompleteCalls[0].Req
	if req.SystemPrompt == "" || len(req.Messages) != 1 || req.Messages[0].Content != wantTranscript {
		t.Errorf("unexpected minutes request: %+v", req)
	}
}

func TestRun_PipelineFailureKeepsPartialTranscript(t *testing.T) {
	gen := &llmmock.Provider{CompleteResponse: &llm.Response{Text: longMinutes}}
	w := New(testPipeline(t, &sttmock.Transcriber{}), gen, WithMetrics(testMetrics(t)))

	res, err := w.Run(context.Background(), Request{Audio: recording(121 * time.Minute)})
	if !errors.Is(err, transcription.ErrTooLong) {
		t.Fatalf("got %v, want ErrTooLong", err)
	}
	var serr *transcription.StageError
	if !errors.As(err, &serr) {
		t.Errorf("error %v carries no stage", err)
	}
	if res == nil || res.Job == nil || res.Job.State != transcription.StateFailed {
		t.Fatalf("result = %+v, want failed job", res)
	}
	if res.Minutes != "" {
		t.Errorf("Minutes = %q, want none after a failed job", res.Minutes)
	}
	if gen.CompleteCallCount() != 0 {
		t.Error("minutes generated for a failed job")
	}
}

func TestRun_FailedJobReturnsPartialTranscript(t *testing.T) {
	segment := []stt.Segment{{Start: 30 * time.Second, End: 31 * time.Second, Text: "Budget approved."}}

	tests := []struct {
		name      string
		failAt    int32
		cancelAt  int32
		wantErr   error
		wantCalls int
	}{
		{name: "chunk fails", failAt: 3, wantCalls: 3},
		{name: "cancelled", cancelAt: 2, wantErr: context.Canceled, wantCalls: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var calls atomic.Int32
			tr := &sttmock.Transcriber{
				TranscribeFunc: func(context.Context, audio.Waveform, stt.TranscribeParams) (*stt.Transcription, error) {
					n := calls.Add(1)
					if n == tc.failAt {
						return nil, errors.New("gpu out of memory")
					}
					if n == tc.cancelAt {
						cancel()
					}
					return &stt.Transcription{Segments: segment}, nil
				},
			}
			// One worker keeps the chunk order deterministic.
			cfg := pipelineConfig()
			cfg.Workers = 1
			p := transcription.NewPipeline(cfg, tr, transcription.WithMetrics(testMetrics(t)))
			gen := &llmmock.Provider{CompleteResponse: &llm.Response{Text: longMinutes}}
			w := New(p, gen, WithMetrics(testMetrics(t)))

			res, err := w.Run(ctx, Request{Audio: recording(45 * time.Minute)})
			var serr *transcription.StageError
			if !errors.As(err, &serr) {
				t.Fatalf("got %v, want a StageError", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
			if !res.Partial {
				t.Error("result not marked partial")
			}
			if want := "Speaker 1: Budget approved. Budget approved."; res.Transcript != want {
				t.Errorf("Transcript = %q, want %q", res.Transcript, want)
			}
			if res.Minutes != "" || gen.CompleteCallCount() != 0 {
				t.Errorf("minutes generated for a failed job: %q", res.Minutes)
			}
			if tr.CallCount() != tc.wantCalls {
				t.Errorf("transcriber called %d times, want %d", tr.CallCount(), tc.wantCalls)
			}
		})
	}
}

func TestGenerateMinutes_Guards(t *testing.T) {
	enough := strings.Repeat("Speaker 1: we discussed the budget. ", 3)
	tests := []struct {
		name       string
		transcript string
		modelText  string
		want       string
		wantCalls  int
	}{
		{"empty", "  \n", "", NoTranscriptMinutes, 0},
		{"too short", "Speaker 1: hi.", "", TooShortMinutes, 0},
		{"short answer", enough, "Budget discussed.", ProblemMinutes, 1},
		{"good answer", enough, longMinutes, longMinutes, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gen := &llmmock.Provider{CompleteResponse: &llm.Response{Text: tc.modelText}}
			w := New(nil, gen, WithMetrics(testMetrics(t)))

			got, err := w.GenerateMinutes(context.Background(), tc.transcript)
			if err != nil {
				t.Fatalf("GenerateMinutes: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
			if gen.CompleteCallCount() != tc.wantCalls {
				t.Errorf("model called %d times, want %d", gen.CompleteCallCount(), tc.wantCalls)
			}
		})
	}
}

func TestGenerateMinutes_ProviderError(t *testing.T) {
	gen := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	w := New(nil, gen, WithMetrics(testMetrics(t)))

	_, err := w.GenerateMinutes(context.Background(), strings.Repeat("Speaker 1: status update. ", 4))
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("got %v, want wrapped provider error", err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "standup.wav"))
	if err != nil {
		t.Fatal(err)
	}
	src := audio.Waveform{Samples: make([]float32, 8000), SampleRate: 8000}
	if err := audio.EncodeWAV(f, src); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	s := DirSource{Dir: dir}
	w, err := s.Open(context.Background(), "standup.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if w.SampleRate != audio.ModelSampleRate || w.Duration() != time.Second {
		t.Errorf("got %d Hz / %s, want %d Hz / 1s", w.SampleRate, w.Duration(), audio.ModelSampleRate)
	}

	if _, err := s.Open(context.Background(), "missing.wav"); !errors.Is(err, ErrAudioNotFound) {
		t.Errorf("missing file: got %v, want ErrAudioNotFound", err)
	}
	if _, err := s.Open(context.Background(), "../standup.wav"); err == nil {
		t.Error("reference escaping the upload dir was accepted")
	}
}
