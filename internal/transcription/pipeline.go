// Package transcription turns a recording into a speaker-attributed
// transcript: it plans chunks for long input, picks a batch size, transcribes
// chunks on a bounded worker pool, then aligns, diarizes and merges the
// pooled segments into utterances.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

// State is the lifecycle state of a [Job].
type State int

const (
	StateReceived State = iota
	StateChunking
	StateTranscribing
	StateAligning
	StateDiarizing
	StateMerging
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateReceived:     "received",
	StateChunking:     "chunking",
	StateTranscribing: "transcribing",
	StateAligning:     "aligning",
	StateDiarizing:    "diarizing",
	StateMerging:      "merging",
	StateComplete:     "complete",
	StateFailed:       "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrEmptyAudio rejects a recording without samples.
	ErrEmptyAudio = errors.New("transcription: audio is empty")

	// ErrTooLong rejects a recording longer than the configured maximum.
	ErrTooLong = errors.New("transcription: audio exceeds maximum duration")
)

// StageError reports the stage at which a job failed.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("transcription: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Config tunes a [Pipeline].
type Config struct {
	MaxDuration        time.Duration
	LongAudioThreshold time.Duration
	ChunkDuration      time.Duration
	ChunkOverlap       time.Duration

	Batch BatchSelector

	// Workers bounds concurrent chunk transcriptions.
	Workers int

	// DefaultLanguage is used when a request names none. Empty means detect.
	DefaultLanguage string

	// DefaultSpeaker labels every segment when diarization is off or fails.
	DefaultSpeaker string
}

// Progress is reported as a job moves through its stages. Percent is -1 when
// unknown.
type Progress struct {
	State   State
	Percent float64
	Chunk   int
	Chunks  int
}

// Request is one transcription job submission.
type Request struct {
	Audio    audio.Waveform
	Language string

	// OnProgress, if set, is called sequentially from the pipeline.
	OnProgress func(Progress)
}

// Job is the record of one transcription run. A failed job still carries the
// segments of every chunk that completed, with Partial set.
type Job struct {
	State     State
	Duration  time.Duration
	Language  string
	BatchSize int
	Chunks    []Chunk

	Segments   []stt.Segment
	Utterances []Utterance

	Partial bool
	Err     error

	AlignmentSkipped     bool
	DiarizationDefaulted bool
}

// Transcript renders the job's utterances as "Speaker N: text" lines.
func (j *Job) Transcript() string { return Render(j.Utterances) }

// Pipeline runs transcription jobs. It is safe for concurrent use; jobs share
// nothing but the providers.
type Pipeline struct {
	cfg         Config
	transcriber stt.Transcriber
	aligner     stt.Aligner
	diarizer    stt.Diarizer
	glossary    *Glossary
	metrics     *observe.Metrics
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithAligner enables the alignment stage.
func WithAligner(a stt.Aligner) Option { return func(p *Pipeline) { p.aligner = a } }

// WithDiarizer enables the diarization stage.
func WithDiarizer(d stt.Diarizer) Option { return func(p *Pipeline) { p.diarizer = d } }

// WithGlossary applies g to every utterance after merging.
func WithGlossary(g *Glossary) Option { return func(p *Pipeline) { p.glossary = g } }

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// NewPipeline creates a pipeline around transcriber.
func NewPipeline(cfg Config, transcriber stt.Transcriber, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DefaultSpeaker == "" {
		cfg.DefaultSpeaker = "SPEAKER_00"
	}
	p := &Pipeline{cfg: cfg, transcriber: transcriber}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run executes one job to completion. The returned Job is never nil. On
// failure err is a *StageError and the job is in StateFailed.
//
// Cancelling ctx stops scheduling new chunks; chunks already running finish
// and their segments are kept in the partial result.
func (p *Pipeline) Run(ctx context.Context, req Request) (job *Job, err error) {
	ctx, span := observe.StartSpan(ctx, "transcription.run")
	defer func() { observe.EndSpan(span, err) }()

	p.metrics.ActiveJobs.Add(ctx, 1)
	defer p.metrics.ActiveJobs.Add(ctx, -1)

	r := &run{p: p, req: req, span: span, job: &Job{
		State:    StateReceived,
		Duration: req.Audio.Duration(),
		Language: req.Language,
	}}
	if r.job.Language == "" {
		r.job.Language = p.cfg.DefaultLanguage
	}
	log := observe.Logger(ctx).With("duration", r.job.Duration)

	if req.Audio.IsEmpty() {
		return r.fail(StateReceived, ErrEmptyAudio)
	}
	if p.cfg.MaxDuration > 0 && r.job.Duration > p.cfg.MaxDuration {
		return r.fail(StateReceived, fmt.Errorf("%w: %s > %s", ErrTooLong, r.job.Duration, p.cfg.MaxDuration))
	}

	r.enter(ctx, StateChunking, 0)
	r.job.Chunks = SplitChunks(r.job.Duration, p.cfg.LongAudioThreshold, p.cfg.ChunkDuration, p.cfg.ChunkOverlap)
	r.job.BatchSize = p.cfg.Batch.Select(r.job.Duration)
	span.SetAttributes(
		attribute.Int("chunks", len(r.job.Chunks)),
		attribute.Int("batch_size", r.job.BatchSize),
	)
	log.Info("transcription job planned", "chunks", len(r.job.Chunks), "batch_size", r.job.BatchSize)

	if err := r.transcribe(ctx); err != nil {
		return r.fail(StateTranscribing, err)
	}
	if err := ctx.Err(); err != nil {
		return r.fail(StateAligning, err)
	}
	r.align(ctx)
	if err := ctx.Err(); err != nil {
		return r.fail(StateDiarizing, err)
	}
	r.diarize(ctx)

	r.enter(ctx, StateMerging, 95)
	r.merge()
	r.enter(ctx, StateComplete, 100)
	log.Info("transcription job complete",
		"language", r.job.Language,
		"segments", len(r.job.Segments),
		"utterances", len(r.job.Utterances),
	)
	return r.job, nil
}

// run is the mutable state of one Pipeline.Run call.
type run struct {
	p    *Pipeline
	req  Request
	job  *Job
	span trace.Span

	progressMu sync.Mutex
	stageStart time.Time
}

func (r *run) enter(ctx context.Context, s State, percent float64) {
	if !r.stageStart.IsZero() {
		r.p.metrics.RecordStage(ctx, r.job.State.String(), time.Since(r.stageStart))
	}
	r.stageStart = time.Now()
	r.job.State = s
	r.span.AddEvent(s.String())
	r.report(Progress{State: s, Percent: percent, Chunks: len(r.job.Chunks)})
}

func (r *run) report(pr Progress) {
	if r.req.OnProgress == nil {
		return
	}
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.req.OnProgress(pr)
}

// merge groups the job's segments into glossary-corrected utterances.
func (r *run) merge() {
	utterances := Merge(r.job.Segments)
	if r.p.glossary.Len() > 0 {
		for i := range utterances {
			utterances[i].Text = r.p.glossary.Correct(utterances[i].Text)
		}
	}
	r.job.Utterances = utterances
}

// fail ends the job. Completed segments are still merged so the partial
// transcript reaches the caller; segments that never got a speaker carry the
// default label.
func (r *run) fail(stage State, err error) (*Job, error) {
	serr := &StageError{Stage: stage, Err: err}
	r.job.State = StateFailed
	r.job.Err = serr
	r.job.Partial = len(r.job.Segments) > 0
	if r.job.Partial {
		for i := range r.job.Segments {
			if r.job.Segments[i].Speaker == "" {
				r.job.Segments[i].Speaker = r.p.cfg.DefaultSpeaker
			}
		}
		r.merge()
	}
	r.report(Progress{State: StateFailed, Percent: -1, Chunks: len(r.job.Chunks)})
	slog.Warn("transcription job failed", "stage", stage.String(), "err", err, "partial", r.job.Partial)
	return r.job, serr
}

// transcribe runs every chunk on the worker pool and pools their segments.
// Pooled segments of finished chunks are stored on the job even on error.
func (r *run) transcribe(ctx context.Context) error {
	r.enter(ctx, StateTranscribing, 5)

	chunks := r.job.Chunks
	perChunk := make([][]stt.Segment, len(chunks))
	languages := make([]string, len(chunks))

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.cfg.Workers)

	for i, c := range chunks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Never start a chunk after cancellation or a sibling failure.
			if gctx.Err() != nil {
				return nil
			}
			// A chunk that started runs to completion.
			res, err := r.p.transcriber.Transcribe(context.WithoutCancel(gctx), r.req.Audio.Slice(c.Start, c.End), stt.TranscribeParams{
				Language:  r.job.Language,
				BatchSize: r.job.BatchSize,
			})
			r.p.metrics.RecordAudioChunk(ctx, observe.Status(err))
			if err != nil {
				return fmt.Errorf("chunk %d [%s, %s): %w", c.Index, c.Start, c.End, err)
			}

			mu.Lock()
			perChunk[i] = res.Segments
			if perChunk[i] == nil {
				perChunk[i] = []stt.Segment{}
			}
			languages[i] = res.Language
			done++
			r.report(Progress{
				State:   StateTranscribing,
				Percent: 5 + 75*float64(done)/float64(len(chunks)),
				Chunk:   done,
				Chunks:  len(chunks),
			})
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	r.job.Segments = Pool(chunks, perChunk)
	if r.job.Language == "" {
		for _, l := range languages {
			if l != "" {
				r.job.Language = l
				break
			}
		}
	}

	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (r *run) align(ctx context.Context) {
	r.enter(ctx, StateAligning, 80)
	if r.p.aligner == nil || r.job.Language == "" || len(r.job.Segments) == 0 {
		r.job.AlignmentSkipped = true
		return
	}

	aligned, err := r.p.aligner.Align(ctx, r.req.Audio, r.job.Segments, r.job.Language)
	switch {
	case errors.Is(err, stt.ErrNoAlignmentModel):
		observe.Logger(ctx).Info("no alignment model, keeping raw timing", "language", r.job.Language)
		r.job.AlignmentSkipped = true
	case err != nil:
		observe.Logger(ctx).Warn("alignment failed, keeping raw timing", "stage", StateAligning.String(), "err", err)
		r.p.metrics.RecordDegradation(ctx, StateAligning.String())
		r.job.AlignmentSkipped = true
	default:
		r.job.Segments = aligned
	}
}

func (r *run) diarize(ctx context.Context) {
	r.enter(ctx, StateDiarizing, 88)
	fallback := r.p.cfg.DefaultSpeaker

	if r.p.diarizer == nil {
		// Keep labels a diarizing transcriber already produced.
		filled := 0
		for i := range r.job.Segments {
			if r.job.Segments[i].Speaker == "" {
				r.job.Segments[i].Speaker = fallback
				filled++
			}
		}
		r.job.DiarizationDefaulted = filled == len(r.job.Segments)
		return
	}

	turns, err := r.p.diarizer.Diarize(ctx, r.req.Audio)
	if err != nil {
		observe.Logger(ctx).Warn("diarization failed, using default speaker", "stage", StateDiarizing.String(), "speaker", fallback, "err", err)
		r.p.metrics.RecordDegradation(ctx, StateDiarizing.String())
		turns = nil
		r.job.DiarizationDefaulted = true
	}
	r.job.Segments = stt.AssignSpeakers(r.job.Segments, turns, fallback)
}
