// Package meeting implements the meeting sub-workflow: transcribe a recording
// into speaker-attributed utterances, then turn the rendered transcript into
// structured minutes with a text-generation provider.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/transcription"
	"github.com/MrWong99/meetflow/pkg/audio"
	"github.com/MrWong99/meetflow/pkg/provider/llm"
)

// Fixed answers used instead of minutes when there is nothing worth
// summarising or the generated text is unusable.
const (
	NoTranscriptMinutes = "There is no transcript content to generate minutes from."
	TooShortMinutes     = "There is not enough content to generate minutes. A longer meeting is needed."
	ProblemMinutes      = "There was a problem generating the minutes. Please check the transcript."
)

const (
	minTranscriptChars = 50
	minMinutesChars    = 100

	minutesTemperature = 0.3
)

const minutesPrompt = `You are a meeting assistant. Write structured minutes for the meeting transcript you are given.

Use these sections:
## Overview
## Key discussion points
## Decisions
## Action items (owner, task, due date if mentioned)

Attribute statements to the speaker names used in the transcript. Do not invent facts that are not in the transcript.`

// Transcriber runs a transcription job. [*transcription.Pipeline] implements it.
type Transcriber interface {
	Run(ctx context.Context, req transcription.Request) (*transcription.Job, error)
}

// Request is one meeting to process.
type Request struct {
	Audio    audio.Waveform
	Language string

	// OnProgress receives pipeline progress. Minutes generation reports no
	// progress of its own.
	OnProgress func(transcription.Progress)
}

// Result is the outcome of a meeting run. When the pipeline failed, Job is
// still set and Transcript holds whatever completed, with Partial true.
type Result struct {
	Job        *transcription.Job
	Transcript string
	Minutes    string
	Partial    bool
}

// Workflow is the meeting sub-workflow. It is safe for concurrent use.
type Workflow struct {
	transcriber Transcriber
	llm         llm.Provider
	metrics     *observe.Metrics
}

// Option configures a [Workflow].
type Option func(*Workflow)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(w *Workflow) { w.metrics = m } }

// New creates a meeting workflow.
func New(t Transcriber, gen llm.Provider, opts ...Option) *Workflow {
	w := &Workflow{transcriber: t, llm: gen}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Run transcribes req.Audio and generates minutes. A pipeline failure returns
// the partial result together with the *transcription.StageError. A minutes
// generation failure returns the complete transcript together with the
// generation error.
func (w *Workflow) Run(ctx context.Context, req Request) (*Result, error) {
	job, err := w.transcriber.Run(ctx, transcription.Request{
		Audio:      req.Audio,
		Language:   req.Language,
		OnProgress: req.OnProgress,
	})
	res := &Result{Job: job}
	if job != nil {
		res.Transcript = job.Transcript()
		res.Partial = job.Partial
	}
	if err != nil {
		return res, err
	}

	minutes, err := w.GenerateMinutes(ctx, res.Transcript)
	if err != nil {
		return res, err
	}
	res.Minutes = minutes
	return res, nil
}

// GenerateMinutes turns a rendered transcript into minutes. Transcripts that
// are empty or too short produce a fixed message without calling the model,
// and so does a suspiciously short model answer.
func (w *Workflow) GenerateMinutes(ctx context.Context, transcript string) (minutes string, err error) {
	transcript = strings.TrimSpace(transcript)
	switch {
	case transcript == "":
		return NoTranscriptMinutes, nil
	case len([]rune(transcript)) < minTranscriptChars:
		return TooShortMinutes, nil
	}
	if w.llm == nil {
		return "", errors.New("meeting: no text generation provider configured")
	}

	ctx, span := observe.StartSpan(ctx, "meeting.minutes")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	resp, err := w.llm.Complete(ctx, llm.Request{
		SystemPrompt: minutesPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		Temperature:  minutesTemperature,
	})
	w.metrics.RecordLLM(ctx, "minutes", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("meeting: generate minutes: %w", err)
	}

	out := strings.TrimSpace(resp.Text)
	if len([]rune(out)) < minMinutesChars {
		observe.Logger(ctx).Warn("generated minutes too short", "chars", len([]rune(out)))
		w.metrics.RecordDegradation(ctx, "minutes")
		return ProblemMinutes, nil
	}
	return out, nil
}
