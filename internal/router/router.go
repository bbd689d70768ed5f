// Package router runs one conversational turn through a fixed state machine:
// check the history against the token budget, compact it when over budget,
// pick a route, and dispatch to the document-chat or meeting sub-workflow.
//
// The router is the only component that reads or writes persisted
// conversation state. Turns of one conversation are serialised; turns of
// different conversations run in parallel.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/meetflow/internal/chat"
	"github.com/MrWong99/meetflow/internal/meeting"
	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/session"
	"github.com/MrWong99/meetflow/internal/transcription"
	"github.com/MrWong99/meetflow/pkg/store"
)

// Router defaults.
const (
	DefaultTokenBudget         = 8000
	DefaultConfidenceThreshold = 0.55

	saveTimeout = 10 * time.Second
)

var (
	// ErrEmptyConversation rejects a turn that carries neither a message nor
	// audio.
	ErrEmptyConversation = errors.New("router: turn has no message and no audio")

	// ErrMissingConversationID rejects a turn without a conversation id.
	ErrMissingConversationID = errors.New("router: conversation id is required")

	// ErrMessageTooLarge rejects a message that alone exceeds the token
	// budget; no compaction could make room for it.
	ErrMessageTooLarge = errors.New("router: message exceeds the token budget")
)

// ChatWorkflow answers document-chat turns. [*chat.Workflow] implements it.
type ChatWorkflow interface {
	Answer(ctx context.Context, req chat.Request, onChunk func(string)) *chat.Result
}

// MeetingWorkflow handles meeting turns. [*meeting.Workflow] implements it.
type MeetingWorkflow interface {
	Run(ctx context.Context, req meeting.Request) (*meeting.Result, error)
	GenerateMinutes(ctx context.Context, transcript string) (string, error)
}

// Config holds the tunables that may change while the router runs.
type Config struct {
	TokenBudget          int
	RetainedTailFraction float64
	ConfidenceThreshold  float64
	FallbackKeepMessages int
}

func (c Config) withDefaults() Config {
	if c.TokenBudget <= 0 {
		c.TokenBudget = DefaultTokenBudget
	}
	if c.RetainedTailFraction <= 0 || c.RetainedTailFraction >= 1 {
		c.RetainedTailFraction = session.DefaultRetainedTailFraction
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.FallbackKeepMessages <= 0 {
		c.FallbackKeepMessages = session.DefaultFallbackKeepMessages
	}
	return c
}

// Deps are the collaborators of a [Router]. Store, Chat and Meeting are
// required.
type Deps struct {
	Store   store.ConversationStore
	Chat    ChatWorkflow
	Meeting MeetingWorkflow

	// Classifier picks routes. Without one every unforced turn goes to chat.
	Classifier Classifier

	// Summariser is used by compaction. Without one compaction truncates.
	Summariser session.Summariser

	// Estimator defaults to [session.HeuristicEstimator].
	Estimator session.Estimator

	// Audio resolves audio references. Required for meeting turns with audio.
	Audio meeting.AudioSource

	Metrics *observe.Metrics

	// OnTransition, if set, observes every state change.
	OnTransition func(conversationID string, from, to State)

	Now func() time.Time
}

// TurnInput is one user turn.
type TurnInput struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`

	// AudioRef names an attached recording. It forces the meeting route.
	AudioRef string `json:"audio_ref,omitempty"`

	// Language is passed to transcription. Empty means the configured default.
	Language string `json:"language,omitempty"`

	// Route, when it names a known route, skips classification.
	Route string `json:"route,omitempty"`
}

// Router runs conversation turns. It is safe for concurrent use.
type Router struct {
	deps  Deps
	cfg   atomic.Pointer[Config]
	locks conversationLocks
}

// New creates a router.
func New(cfg Config, deps Deps) (*Router, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("router: store is required"))
	}
	if deps.Chat == nil {
		errs = append(errs, errors.New("router: chat workflow is required"))
	}
	if deps.Meeting == nil {
		errs = append(errs, errors.New("router: meeting workflow is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Estimator == nil {
		deps.Estimator = session.HeuristicEstimator{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Router{deps: deps}
	r.SetConfig(cfg)
	return r, nil
}

// SetConfig replaces the tunables. Turns already running keep the values
// they started with.
func (r *Router) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	r.cfg.Store(&cfg)
}

// Config returns the current tunables.
func (r *Router) Config() Config { return *r.cfg.Load() }

// RouteTurn validates in, loads the conversation and runs the turn in the
// background. The returned channel delivers the turn's events in order and
// is closed after the [EventEnd] event. Validation and load errors are
// returned directly and produce no stream.
func (r *Router) RouteTurn(ctx context.Context, in TurnInput) (<-chan Event, error) {
	t, err := r.begin(ctx, in)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer t.release()
		_, _ = r.run(ctx, t, func(ev Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return ch, nil
}

// Run executes a turn synchronously, passing every event to emit. emit is
// never called concurrently. The returned error is the one reported by the
// turn's error event.
func (r *Router) Run(ctx context.Context, in TurnInput, emit func(Event)) (*TurnResult, error) {
	t, err := r.begin(ctx, in)
	if err != nil {
		return nil, err
	}
	defer t.release()
	if emit == nil {
		emit = func(Event) {}
	}
	return r.run(ctx, t, emit)
}

// turn is the mutable state of one turn.
type turn struct {
	in      TurnInput
	id      string
	message string
	thread  *store.Thread
	history []session.Message

	// pendingAudio is persisted with the thread.
	pendingAudio string

	state   State
	release func()
	onState func(conversationID string, from, to State)
	span    trace.Span
}

func (t *turn) to(s State) {
	if !CanTransition(t.state, s) {
		panic(fmt.Sprintf("router: invalid transition %s -> %s", t.state, s))
	}
	from := t.state
	t.state = s
	if t.span != nil {
		t.span.AddEvent(s.String())
	}
	if t.onState != nil {
		t.onState(t.id, from, s)
	}
}

func (r *Router) begin(ctx context.Context, in TurnInput) (*turn, error) {
	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return nil, ErrMissingConversationID
	}
	msg := strings.TrimSpace(in.Message)
	explicit, _ := ParseRoute(in.Route)
	if msg != "" {
		budget := r.Config().TokenBudget
		tokens := r.deps.Estimator.Estimate([]session.Message{session.NewMessage(session.RoleUser, msg, time.Time{})})
		if tokens > budget {
			return nil, fmt.Errorf("%w: %d tokens, budget %d", ErrMessageTooLarge, tokens, budget)
		}
	}

	release, err := r.locks.lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("router: wait for conversation %s: %w", id, err)
	}

	thread, err := r.deps.Store.LoadThread(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		thread = &store.Thread{ConversationID: id}
	case err != nil:
		release()
		return nil, fmt.Errorf("router: load conversation %s: %w", id, err)
	}

	retry := explicit == RouteMeeting && thread.PendingAudio != ""
	if msg == "" && in.AudioRef == "" && !retry {
		release()
		return nil, ErrEmptyConversation
	}

	t := &turn{
		in:           in,
		id:           id,
		message:      msg,
		thread:       thread,
		history:      fromStore(thread.Messages),
		pendingAudio: thread.PendingAudio,
		state:        StateStart,
		release:      release,
		onState:      r.deps.OnTransition,
	}
	if in.AudioRef != "" {
		t.pendingAudio = in.AudioRef
	}
	content := msg
	if content == "" {
		content = "Recording: " + t.audioRef()
	}
	t.history = append(t.history, session.NewMessage(session.RoleUser, content, r.deps.Now()))
	return t, nil
}

// audioRef is the recording a meeting turn works on.
func (t *turn) audioRef() string {
	if t.in.AudioRef != "" {
		return t.in.AudioRef
	}
	return t.thread.PendingAudio
}

func (r *Router) run(ctx context.Context, t *turn, emit func(Event)) (res *TurnResult, err error) {
	start := time.Now()
	ctx = observe.WithConversation(ctx, t.id)
	ctx, span := observe.StartSpan(ctx, "router.turn", trace.WithAttributes(attribute.String("conversation_id", t.id)))
	t.span = span
	defer func() { observe.EndSpan(span, err) }()

	m := r.deps.Metrics
	m.ActiveTurns.Add(ctx, 1)
	defer m.ActiveTurns.Add(ctx, -1)

	log := observe.Logger(ctx)
	cfg := r.Config()
	res = &TurnResult{ConversationID: t.id}
	emit(Event{Type: EventStart, ConversationID: t.id})

	if tokens := r.deps.Estimator.Estimate(t.history); tokens > cfg.TokenBudget {
		t.to(StateCompacting)
		emit(Event{Type: EventProgress, ConversationID: t.id, Stage: t.state.String()})
		res.Compacted = r.compact(ctx, t, cfg)
	}

	t.to(StateClassifying)
	emit(Event{Type: EventProgress, ConversationID: t.id, Stage: t.state.String()})
	route := r.classify(ctx, t, cfg)
	res.Route = route
	span.SetAttributes(attribute.String("route", string(route)))

	t.to(dispatchState(route))
	emit(Event{Type: EventProgress, ConversationID: t.id, Route: route, Stage: t.state.String()})

	stage := t.state.String()
	if route == RouteMeeting {
		err = r.dispatchMeeting(ctx, t, res, emit)
	} else {
		r.dispatchChat(ctx, t, res, emit)
	}

	if saveErr := r.save(ctx, t, route); saveErr != nil {
		if err == nil {
			err, stage = saveErr, "save"
		} else {
			log.Error("failed to save conversation after failed turn", "err", saveErr)
		}
	}

	m.RecordTurn(ctx, string(route), observe.Status(err), time.Since(start))

	if err != nil {
		var serr *transcription.StageError
		if errors.As(err, &serr) {
			stage = serr.Stage.String()
		}
		t.to(StateFailed)
		log.Warn("turn failed", "route", route, "stage", stage, "err", err, "partial", res.Partial)
		ev := Event{Type: EventError, ConversationID: t.id, Route: route, Stage: stage, Error: err.Error()}
		if res.Transcript != "" || res.Partial {
			ev.Result = res
		}
		emit(ev)
		emit(Event{Type: EventEnd, ConversationID: t.id, Route: route})
		return res, err
	}

	t.to(StateDone)
	log.Info("turn complete", "route", route, "compacted", res.Compacted, "duration", time.Since(start))
	emit(Event{Type: EventComplete, ConversationID: t.id, Route: route, Result: res})
	emit(Event{Type: EventEnd, ConversationID: t.id, Route: route})
	return res, nil
}

func (r *Router) compact(ctx context.Context, t *turn, cfg Config) bool {
	c := session.NewCompactor(session.CompactorConfig{
		Summariser:           r.deps.Summariser,
		Estimator:            r.deps.Estimator,
		RetainedTailFraction: cfg.RetainedTailFraction,
		FallbackKeepMessages: cfg.FallbackKeepMessages,
		Now:                  r.deps.Now,
	})
	cr := c.Compact(ctx, t.history, cfg.TokenBudget)
	t.history = cr.Messages

	mode := "summarised"
	if cr.Truncated {
		mode = "truncated"
	}
	r.deps.Metrics.RecordCompaction(ctx, mode)
	observe.Logger(ctx).Info("history compacted",
		"mode", mode,
		"tokens_before", cr.TokensBefore,
		"tokens_after", cr.TokensAfter,
		"summarised", cr.Summarised,
	)
	return cr.Compacted
}

// classify never fails: errors and low confidence resolve to chat.
func (r *Router) classify(ctx context.Context, t *turn, cfg Config) Route {
	if t.in.AudioRef != "" {
		return RouteMeeting
	}
	if route, ok := ParseRoute(t.in.Route); ok {
		return route
	}
	log := observe.Logger(ctx)
	if t.in.Route != "" {
		log.Warn("ignoring unknown explicit route", "route", t.in.Route)
	}
	if r.deps.Classifier == nil {
		return RouteChat
	}

	d, err := r.deps.Classifier.Classify(ctx, t.message, session.Summary(t.history))
	if err != nil {
		log.Warn("classification failed, defaulting to chat", "stage", StateClassifying.String(), "err", err)
		r.deps.Metrics.RecordClassifierDefault(ctx, "error")
		return RouteChat
	}
	if d.Confidence < cfg.ConfidenceThreshold {
		log.Info("low classifier confidence, defaulting to chat", "route", d.Route, "confidence", d.Confidence)
		r.deps.Metrics.RecordClassifierDefault(ctx, "low_confidence")
		return RouteChat
	}
	return d.Route
}

func (r *Router) dispatchChat(ctx context.Context, t *turn, res *TurnResult, emit func(Event)) {
	cres := r.deps.Chat.Answer(ctx, chat.Request{
		History:  session.ToLLM(t.history),
		Question: t.message,
	}, func(text string) {
		emit(Event{Type: EventChunk, ConversationID: t.id, Route: RouteChat, Text: text})
	})
	res.Answer = cres.Answer
	res.QuestionType = string(cres.QuestionType)
	t.history = append(t.history, session.NewMessage(session.RoleAssistant, cres.Answer, r.deps.Now()))
}

func (r *Router) dispatchMeeting(ctx context.Context, t *turn, res *TurnResult, emit func(Event)) error {
	ref := t.audioRef()
	if ref == "" {
		minutes, err := r.deps.Meeting.GenerateMinutes(ctx, "")
		if err != nil {
			return err
		}
		res.Minutes, res.Answer = minutes, minutes
		emit(Event{Type: EventChunk, ConversationID: t.id, Route: RouteMeeting, Text: minutes})
		t.history = append(t.history, session.NewMessage(session.RoleAssistant, minutes, r.deps.Now()))
		return nil
	}

	if r.deps.Audio == nil {
		return errors.New("router: no audio source configured")
	}
	wave, err := r.deps.Audio.Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("router: load audio: %w", err)
	}

	mres, err := r.deps.Meeting.Run(ctx, meeting.Request{
		Audio:    wave,
		Language: t.in.Language,
		OnProgress: func(p transcription.Progress) {
			emit(Event{
				Type:           EventProgress,
				ConversationID: t.id,
				Route:          RouteMeeting,
				Stage:          p.State.String(),
				Percent:        percent(p.Percent),
			})
		},
	})
	if mres != nil {
		res.Transcript = mres.Transcript
		res.Partial = mres.Partial
	}
	if err != nil {
		return err
	}

	res.Minutes, res.Answer = mres.Minutes, mres.Minutes
	emit(Event{Type: EventChunk, ConversationID: t.id, Route: RouteMeeting, Text: mres.Minutes})
	t.pendingAudio = ""
	t.history = append(t.history, session.NewMessage(session.RoleAssistant, mres.Minutes, r.deps.Now()))
	return nil
}

func (r *Router) save(ctx context.Context, t *turn, route Route) error {
	// The turn already ran; a client that went away must not lose it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	err := r.deps.Store.SaveThread(ctx, &store.Thread{
		ConversationID: t.id,
		Messages:       toStore(t.history),
		PendingAudio:   t.pendingAudio,
		LastRoute:      string(route),
		TokenWatermark: r.deps.Estimator.Estimate(t.history),
		UpdatedAt:      r.deps.Now(),
	})
	if err != nil {
		return fmt.Errorf("router: save conversation %s: %w", t.id, err)
	}
	return nil
}
