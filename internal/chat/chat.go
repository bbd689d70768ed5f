// Package chat implements the document-chat sub-workflow. A question is
// classified into a [QuestionType], the closest document chunks are retrieved
// as context, and the answer is streamed from a text-generation provider with
// a system prompt chosen by question type.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/pkg/provider/embeddings"
	"github.com/MrWong99/meetflow/pkg/provider/llm"
	"github.com/MrWong99/meetflow/pkg/store"
)

// ErrorAnswer replaces the answer when generation fails. The turn still
// completes with it.
const ErrorAnswer = "Something went wrong while generating the answer. Please try again."

var errNoProvider = errors.New("chat: no text generation provider configured")

// DefaultTopK is the number of document chunks retrieved per question.
const DefaultTopK = 5

// Request is one document-chat question.
type Request struct {
	// History is the conversation context sent to the model. When it does not
	// end with Question as a user message, Question is appended.
	History []llm.Message

	// Question is the latest user message.
	Question string
}

// Result is the outcome of one answered question.
type Result struct {
	QuestionType QuestionType
	Answer       string
	Sources      []store.ChunkResult

	// Err is the generation error that produced [ErrorAnswer], if any.
	Err error
}

// Workflow answers document-chat questions. It is safe for concurrent use.
type Workflow struct {
	llm       llm.Provider
	embedder  embeddings.Provider
	retriever store.ChunkRetriever
	topK      int
	metrics   *observe.Metrics
}

// Option configures a [Workflow].
type Option func(*Workflow)

// WithRetrieval enables document context: questions are embedded with e and
// the topK closest chunks are looked up in r. Without it, answers are
// generated from the conversation alone.
func WithRetrieval(e embeddings.Provider, r store.ChunkRetriever, topK int) Option {
	return func(w *Workflow) {
		w.embedder = e
		w.retriever = r
		if topK > 0 {
			w.topK = topK
		}
	}
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(w *Workflow) { w.metrics = m } }

// New creates a document-chat workflow.
func New(gen llm.Provider, opts ...Option) *Workflow {
	w := &Workflow{llm: gen, topK: DefaultTopK}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Answer classifies req.Question, retrieves context and streams the answer
// through onChunk in order. Classification and retrieval failures degrade to
// a Fact question without context. A generation failure yields [ErrorAnswer],
// which is also sent through onChunk.
func (w *Workflow) Answer(ctx context.Context, req Request, onChunk func(string)) *Result {
	ctx, span := observe.StartSpan(ctx, "chat.answer")
	defer span.End()

	if onChunk == nil {
		onChunk = func(string) {}
	}

	res := &Result{QuestionType: w.Classify(ctx, req.Question)}
	res.Sources = w.Retrieve(ctx, req.Question)

	system := answerPrompts[res.QuestionType] + "\n\n" + formatContext(res.Sources)
	start := time.Now()
	text, streamed, err := w.stream(ctx, llm.Request{SystemPrompt: system, Messages: withQuestion(req)}, onChunk)
	w.metrics.RecordLLM(ctx, "answer", time.Since(start))
	if err != nil {
		observe.Logger(ctx).Warn("answer generation failed", "question_type", string(res.QuestionType), "err", err)
		w.metrics.RecordDegradation(ctx, "answer")
		span.RecordError(err)
		if streamed {
			onChunk("\n\n")
		}
		onChunk(ErrorAnswer)
		res.Answer = ErrorAnswer
		res.Err = err
		return res
	}
	res.Answer = strings.TrimSpace(text)
	return res
}

func withQuestion(req Request) []llm.Message {
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return req.History
	}
	if n := len(req.History); n > 0 {
		if last := req.History[n-1]; last.Role == llm.RoleUser && strings.TrimSpace(last.Content) == q {
			return req.History
		}
	}
	out := make([]llm.Message, len(req.History), len(req.History)+1)
	copy(out, req.History)
	return append(out, llm.Message{Role: llm.RoleUser, Content: q})
}

func (w *Workflow) stream(ctx context.Context, req llm.Request, onChunk func(string)) (text string, streamed bool, err error) {
	if w.llm == nil {
		return "", false, errNoProvider
	}
	ch, err := w.llm.Stream(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("chat: start answer stream: %w", err)
	}

	var sb strings.Builder
	for c := range ch {
		if c.FinishReason == llm.FinishReasonError {
			if err == nil {
				err = c.Err
			}
			continue
		}
		if c.Text == "" {
			continue
		}
		sb.WriteString(c.Text)
		streamed = true
		onChunk(c.Text)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return sb.String(), streamed, fmt.Errorf("chat: answer stream: %w", err)
	}
	return sb.String(), streamed, nil
}

// Classify returns the question type of question. Provider errors resolve to
// [Fact].
func (w *Workflow) Classify(ctx context.Context, question string) QuestionType {
	if w.llm == nil || strings.TrimSpace(question) == "" {
		return Fact
	}
	start := time.Now()
	resp, err := w.llm.Complete(ctx, llm.Request{
		SystemPrompt: classifyPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: question}},
		MaxTokens:    8,
	})
	w.metrics.RecordLLM(ctx, "question_type", time.Since(start))
	if err != nil {
		observe.Logger(ctx).Warn("question classification failed, assuming FACT", "err", err)
		return Fact
	}
	return ParseQuestionType(resp.Text)
}

// Retrieve returns the document chunks closest to question. It returns nil
// when retrieval is not configured or fails.
func (w *Workflow) Retrieve(ctx context.Context, question string) []store.ChunkResult {
	if w.embedder == nil || w.retriever == nil {
		return nil
	}
	vec, err := w.embedder.Embed(ctx, question)
	if err != nil {
		observe.Logger(ctx).Warn("question embedding failed, answering without documents", "err", err)
		w.metrics.RecordDegradation(ctx, "retrieval")
		return nil
	}
	hits, err := w.retriever.SearchChunks(ctx, vec, w.topK)
	if err != nil {
		observe.Logger(ctx).Warn("chunk retrieval failed, answering without documents", "err", err)
		w.metrics.RecordDegradation(ctx, "retrieval")
		return nil
	}
	return hits
}

func formatContext(hits []store.ChunkResult) string {
	var sb strings.Builder
	sb.WriteString("<context>\n")
	if len(hits) == 0 {
		sb.WriteString("No document excerpts were found for this question.\n")
	}
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] (document %s)\n%s\n\n", i+1, h.Chunk.DocumentID, strings.TrimSpace(h.Chunk.Content))
	}
	sb.WriteString("</context>")
	return sb.String()
}
