package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/pkg/provider/llm"
)

// Decision is a classifier verdict.
type Decision struct {
	Route      Route
	Confidence float64
}

// Classifier picks the route for the latest user message. summary is the
// conversation summary, empty when the history has not been compacted.
type Classifier interface {
	Classify(ctx context.Context, latest, summary string) (Decision, error)
}

// ErrUnparseable is returned when classifier output holds no usable verdict.
var ErrUnparseable = errors.New("router: unparseable classifier output")

const classifierPrompt = `You route requests of a workplace assistant to one of two agents.

chat: general conversation, questions about the user's documents, information lookup
meeting: anything about meetings: writing minutes, processing a recording, summarising what was said in a meeting

Reply with JSON only, in the form {"route": "chat" | "meeting", "confidence": <number between 0 and 1>}.`

// LLMClassifier asks a text-generation provider for a route.
type LLMClassifier struct {
	llm     llm.Provider
	metrics *observe.Metrics
}

var _ Classifier = (*LLMClassifier)(nil)

// NewLLMClassifier creates a classifier backed by p. A nil m records on
// [observe.DefaultMetrics].
func NewLLMClassifier(p llm.Provider, m *observe.Metrics) *LLMClassifier {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &LLMClassifier{llm: p, metrics: m}
}

// Classify implements [Classifier]. It makes exactly one model call and never
// retries.
func (c *LLMClassifier) Classify(ctx context.Context, latest, summary string) (Decision, error) {
	var sb strings.Builder
	if summary != "" {
		fmt.Fprintf(&sb, "Conversation so far (summary):\n%s\n\n", summary)
	}
	fmt.Fprintf(&sb, "User message:\n%s", latest)

	start := time.Now()
	resp, err := c.llm.Complete(ctx, llm.Request{
		SystemPrompt: classifierPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		MaxTokens:    32,
	})
	c.metrics.RecordLLM(ctx, "classify", time.Since(start))
	if err != nil {
		return Decision{}, fmt.Errorf("router: classify: %w", err)
	}
	return ParseDecision(resp.Text)
}

// ParseDecision extracts a verdict from model output. The JSON object may be
// wrapped in prose or a code fence. A bare route label is accepted with full
// confidence. Confidence is clamped to [0, 1].
func ParseDecision(text string) (Decision, error) {
	text = strings.TrimSpace(text)
	if r, ok := ParseRoute(strings.Trim(text, ".\"'`")); ok {
		return Decision{Route: r, Confidence: 1}, nil
	}

	i, j := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if i < 0 || j < i {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnparseable, text)
	}
	var raw struct {
		Route      string   `json:"route"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text[i:j+1]), &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	r, ok := ParseRoute(raw.Route)
	if !ok {
		return Decision{}, fmt.Errorf("%w: unknown route %q", ErrUnparseable, raw.Route)
	}
	d := Decision{Route: r, Confidence: 1}
	if raw.Confidence != nil {
		d.Confidence = min(max(*raw.Confidence, 0), 1)
	}
	return d, nil
}
