package transcription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/meetflow/pkg/provider/stt/mock"
)

// testRate keeps long test recordings small: 100 samples per second.
const testRate = 100

func silence(d time.Duration) audio.Waveform {
	return audio.Waveform{Samples: make([]float32, int(d*testRate/time.Second)), SampleRate: testRate}
}

func testConfig() Config {
	return Config{
		MaxDuration:        120 * time.Minute,
		LongAudioThreshold: 30 * time.Minute,
		ChunkDuration:      10 * time.Minute,
		ChunkOverlap:       5 * time.Second,
		Batch:              defaultSelector(),
		Workers:            2,
		DefaultSpeaker:     "SPEAKER_00",
	}
}

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

// oneSegmentPerChunk answers every call with a single segment at 30s-31s of
// the chunk, clear of the leading overlap, labelled with the chunk length.
func oneSegmentPerChunk() *sttmock.Transcriber {
	return &sttmock.Transcriber{
		TranscribeFunc: func(_ context.Context, w audio.Waveform, _ stt.TranscribeParams) (*stt.Transcription, error) {
			return &stt.Transcription{
				Language: "en",
				Segments: []stt.Segment{{Start: 30 * time.Second, End: 31 * time.Second, Text: "part of " + w.Duration().String()}},
			}, nil
		},
	}
}

func TestRun_LongAudioChunked(t *testing.T) {
	tr := oneSegmentPerChunk()
	p := NewPipeline(testConfig(), tr, WithMetrics(testMetrics(t)))

	job, err := p.Run(context.Background(), Request{Audio: silence(45 * time.Minute)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != StateComplete {
		t.Errorf("State = %s, want complete", job.State)
	}
	if len(job.Chunks) != 5 || tr.CallCount() != 5 {
		t.Fatalf("chunks=%d calls=%d, want 5 each", len(job.Chunks), tr.CallCount())
	}
	if job.BatchSize != 16 {
		t.Errorf("BatchSize = %d, want 16", job.BatchSize)
	}
	for _, call := range tr.Calls {
		if call.Params.BatchSize != 16 {
			t.Errorf("chunk transcribed with batch size %d, want 16", call.Params.BatchSize)
		}
	}
	if job.Language != "en" {
		t.Errorf("Language = %q, want detected en", job.Language)
	}
	if len(job.Segments) != 5 {
		t.Fatalf("got %d segments, want 5", len(job.Segments))
	}
	for k, s := range job.Segments {
		wantStart := time.Duration(k)*10*time.Minute + 30*time.Second
		if s.Start != wantStart {
			t.Errorf("segment %d starts at %s, want %s (shifted by chunk start)", k, s.Start, wantStart)
		}
		if s.Speaker != "SPEAKER_00" {
			t.Errorf("segment %d speaker = %q, want default", k, s.Speaker)
		}
	}
	if len(job.Utterances) != 1 || !job.DiarizationDefaulted {
		t.Errorf("utterances=%d defaulted=%v, want one default-speaker utterance", len(job.Utterances), job.DiarizationDefaulted)
	}
	if !strings.HasPrefix(job.Transcript(), "Speaker 1: part of") {
		t.Errorf("Transcript = %q", job.Transcript())
	}
}

func TestRun_ShortAudioSingleChunk(t *testing.T) {
	tr := oneSegmentPerChunk()
	p := NewPipeline(testConfig(), tr, WithMetrics(testMetrics(t)))

	job, err := p.Run(context.Background(), Request{Audio: silence(5 * time.Minute), Language: "de"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(job.Chunks) != 1 || tr.CallCount() != 1 {
		t.Errorf("chunks=%d calls=%d, want 1 each", len(job.Chunks), tr.CallCount())
	}
	if job.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want 8", job.BatchSize)
	}
	if got := tr.Calls[0].Params.Language; got != "de" {
		t.Errorf("requested language %q not passed through", got)
	}
	if job.Language != "de" {
		t.Errorf("Language = %q, want de", job.Language)
	}
}

func TestRun_DiarizationFailureDefaultsSpeaker(t *testing.T) {
	d := &sttmock.Diarizer{Err: errors.New("diarization model crashed")}
	p := NewPipeline(testConfig(), oneSegmentPerChunk(), WithDiarizer(d), WithMetrics(testMetrics(t)))

	job, err := p.Run(context.Background(), Request{Audio: silence(45 * time.Minute)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State != StateComplete || job.Partial {
		t.Errorf("State=%s Partial=%v, want complete and not partial", job.State, job.Partial)
	}
	if !job.DiarizationDefaulted {
		t.Error("DiarizationDefaulted = false")
	}
	for _, s := range job.Segments {
		if s.Speaker != "SPEAKER_00" {
			t.Fatalf("segment speaker = %q, want SPEAKER_00", s.Speaker)
		}
	}
	if d.CallCount() != 1 || d.Durations[0] != 45*time.Minute {
		t.Errorf("diarizer calls=%d, want one call over the full recording", d.CallCount())
	}
}

func TestRun_DiarizationAssignsSpeakers(t *testing.T) {
	tr := &sttmock.Transcriber{Result: &stt.Transcription{Language: "en", Segments: []stt.Segment{
		{Start: 0, End: 2 * time.Second, Text: "Good morning."},
		{Start: 2 * time.Second, End: 4 * time.Second, Text: "Morning!"},
		{Start: 4 * time.Second, End: 6 * time.Second, Text: "Shall we begin?"},
	}}}
	d := &sttmock.Diarizer{Turns: []stt.SpeakerTurn{
		{Start: 0, End: 2 * time.Second, Speaker: "SPEAKER_00"},
		{Start: 2 * time.Second, End: 4 * time.Second, Speaker: "SPEAKER_01"},
		{Start: 4 * time.Second, End: 6 * time.Second, Speaker: "SPEAKER_00"},
	}}
	p := NewPipeline(testConfig(), tr, WithDiarizer(d), WithMetrics(testMetrics(t)))

	job, err := p.Run(context.Background(), Request{Audio: silence(6 * time.Second)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "Speaker 1: Good morning.\nSpeaker 2: Morning!\nSpeaker 1: Shall we begin?"
	if got := job.Transcript(); got != want {
		t.Errorf("Transcript =\n%s\nwant\n%s", got, want)
	}
}

func TestRun_KeepsTranscriberSpeakersWithoutDiarizer(t *testing.T) {
	tr := &sttmock.Transcriber{Result: &stt.Transcription{Segments: []stt.Segment{
		{Start: 0, End: time.Second, Text: "a", Speaker: "SPEAKER_01"},
		{Start: time.Second, End: 2 * time.Second, Text: "b"},
	}}}
	p := NewPipeline(testConfig(), tr, WithMetrics(testMetrics(t)))

	job, err := p.Run(context.Background(), Request{Audio: silence(2 * time.Second)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Segments[0].Speaker != "SPEAKER_01" || job.Segments[1].Speaker != "SPEAKER_00" {
		t.Errorf("speakers = %q, %q", job.Segments[0].Speaker, job.Segments[1].Speaker)
	}
	if job.DiarizationDefaulted {
		t.Error("DiarizationDefaulted should be false when the transcriber labelled speakers")
	}
}

func TestRun_InputValidation(t *testing.T) {
	tests := []struct {
		name    string
		audio   audio.Waveform
		wantErr error
	}{
		{"empty", audio.Waveform{SampleRate: testRate}, ErrEmptyAudio},
		{"too long", silence(121 * time.Minute), ErrTooLong},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := oneSegmentPerChunk()
			p := NewPipeline(testConfig(), tr, WithMetrics(testMetrics(t)))

			job, err := p.Run(context.Background(), Request{Audio: tc.audio})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			var serr *StageError
			if !errors.As(err, &serr) || serr.Stage != StateReceived {
				t.Errorf("error %v is not a received-stage StageError", err)
			}
			if job.State != StateFailed || job.Partial {
				t.Errorf("State=%s Partial=%v", job.State, job.Partial)
			}
			if tr.CallCount() != 0 {
				t.Errorf("transcriber called %d times for rejected input", tr.CallCount())
			}
		})
	}
}

func TestRun_ChunkFailureKeepsPartialResult(t *testing.T) {
	var calls atomic.Int32
	tr := &sttmock.Transcriber{
		TranscribeFunc: func(_ context.Context, _ audio.Waveform, _ stt.TranscribeParams) (*stt.Transcription, error) {
			if calls.Add(1) == 3 {
				return nil, errors.New("gpu out of memory")
			}
			return &stt.Transcription{Segments: []stt.Segment{{Start: 30 * time.Second, End: 31 * time.Second, Text: "ok"}}}, nil
		},
	}
	cfg := testConfig()
	cfg.Workers = 1
	p := NewPipeline(cfg, tr, WithMetrics(testMetrics(t)))

	job, err := p.Run(context.Background(), Request{Audio: silence(45 * time.Minute)})
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != StateTranscribing {
		t.Fatalf("got %v, want transcribing StageError", err)
	}
	if job.State != StateFailed || !job.Partial {
		t.Errorf("State=%s Partial=%v, want failed partial", job.State, job.Partial)
	}
	if len(job.Segments) != 2 {
		t.Errorf("kept %d segments, want the 2 completed chunks", len(job.Segments))
	}
	if got, want := job.Transcript(), "Speaker 1: ok ok"; got != want {
		t.Errorf("Transcript() = %q, want %q", got, want)
	}
	if tr.CallCount() != 3 {
		t.Errorf("transcriber called %d times, want 3 (no chunks after the failure)", tr.CallCount())
	}
}

func TestRun_CancellationStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	tr := &sttmock.Transcriber{
		TranscribeFunc: func(callCtx context.Context, _ audio.Waveform, _ stt.TranscribeParams) (*stt.Transcription, error) {
			if calls.Add(1) == 2 {
				cancel()
				if callCtx.Err() != nil {
					return nil, errors.New("in-flight chunk was interrupted")
				}
			}
			return &stt.Transcription{Segments: []stt.Segment{{Start: 30 * time.Second, End: 31 * time.Second, Text: "ok"}}}, nil
		},
	}
	cfg := testConfig()
	cfg.Workers = 1
	p := NewPipeline(cfg, tr, WithMetrics(testMetrics(t)))

	job, err := p.Run(ctx, Request{Audio: silence(45 * time.Minute)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if job.State != StateFailed || !job.Partial {
		t.Errorf("State=%s Partial=%v, want failed partial", job.State, job.Partial)
	}
	if len(job.Segments) != 2 {
		t.Errorf("kept %d segments, want 2", len(job.Segments))
	}
	if len(job.Utterances) != 1 || job.Utterances[0].Speaker != "SPEAKER_00" || job.Utterances[0].Text != "ok ok" {
		t.Errorf("Utterances = %+v, want one default-speaker utterance", job.Utterances)
	}
	if tr.CallCount() != 2 {
		t.Errorf("transcriber called %d times, want 2", tr.CallCount())
	}
}

func TestRun_WorkerLimit(t *testing.T) {
	var (
		active, peak atomic.Int32
	)
	tr := &sttmock.Transcriber{
		TranscribeFunc: func(context.Context, audio.Waveform, stt.TranscribeParams) (*stt.Transcription, error) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return &stt.Transcription{}, nil
		},
	}
	p := NewPipeline(testConfig(), tr, WithMetrics(testMetrics(t)))

	if _, err := p.Run(context.Background(), Request{Audio: silence(120 * time.Minute)}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tr.CallCount() != 12 {
		t.Errorf("calls = %d, want 12", tr.CallCount())
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRun_Alignment(t *testing.T) {
	t.Run("missing model skips alignment", func(t *testing.T) {
		a := &sttmock.Aligner{Err: stt.ErrNoAlignmentModel}
		p := NewPipeline(testConfig(), oneSegmentPerChunk(), WithAligner(a), WithMetrics(testMetrics(t)))

		job, err := p.Run(context.Background(), Request{Audio: silence(time.Minute)})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !job.AlignmentSkipped || job.State != StateComplete {
			t.Errorf("AlignmentSkipped=%v State=%s", job.AlignmentSkipped, job.State)
		}
		if len(a.Languages) != 1 || a.Languages[0] != "en" {
			t.Errorf("aligner languages = %v, want [en]", a.Languages)
		}
		if job.Segments[0].Start != 30*time.Second {
			t.Errorf("raw timing not kept: %s", job.Segments[0].Start)
		}
	})

	t.Run("aligned timing replaces raw timing", func(t *testing.T) {
		a := &sttmock.Aligner{AlignFunc: func(segs []stt.Segment, _ string) ([]stt.Segment, error) {
			out := make([]stt.Segment, len(segs))
			for i, s := range segs {
				s.Start += 100 * time.Millisecond
				out[i] = s
			}
			return out, nil
		}}
		p := NewPipeline(testConfig(), oneSegmentPerChunk(), WithAligner(a), WithMetrics(testMetrics(t)))

		job, err := p.Run(context.Background(), Request{Audio: silence(time.Minute)})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if job.AlignmentSkipped || job.Segments[0].Start != 30100*time.Millisecond {
			t.Errorf("AlignmentSkipped=%v start=%s", job.AlignmentSkipped, job.Segments[0].Start)
		}
	})
}

func TestRun_ProgressAndGlossary(t *testing.T) {
	tr := &sttmock.Transcriber{Result: &stt.Transcription{Segments: []stt.Segment{
		{Start: 0, End: time.Second, Text: "deploy to kubernetis"},
	}}}
	p := NewPipeline(testConfig(), tr,
		WithGlossary(NewGlossary([]string{"Kubernetes"})),
		WithMetrics(testMetrics(t)),
	)

	var (
		mu     sync.Mutex
		states []State
		last   float64
	)
	job, err := p.Run(context.Background(), Request{
		Audio: silence(45 * time.Minute),
		OnProgress: func(pr Progress) {
			mu.Lock()
			defer mu.Unlock()
			if pr.Percent < last {
				t.Errorf("progress went backwards: %.1f after %.1f", pr.Percent, last)
			}
			last = pr.Percent
			if len(states) == 0 || states[len(states)-1] != pr.State {
				states = append(states, pr.State)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []State{StateChunking, StateTranscribing, StateAligning, StateDiarizing, StateMerging, StateComplete}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
	if last != 100 {
		t.Errorf("final percent = %.1f, want 100", last)
	}
	if !strings.Contains(job.Utterances[0].Text, "deploy to Kubernetes") {
		t.Errorf("glossary not applied: %q", job.Utterances[0].Text)
	}
}

func TestStateString(t *testing.T) {
	if StateDiarizing.String() != "diarizing" || State(42).String() != "State(42)" {
		t.Error("unexpected State names")
	}
}
