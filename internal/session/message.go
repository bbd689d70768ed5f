// Package session holds the conversation history model used by the router:
// messages with cached token estimates ([Message], [Estimator]), history
// compaction under a token budget ([Compactor]) and LLM-backed summarisation
// of the compacted prefix ([LLMSummariser]).
//
// All exported types are safe for concurrent use unless noted otherwise.
package session

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/meetflow/pkg/provider/llm"
)

// Message roles. RoleSummary marks the synthetic message produced by
// compaction; a history holds at most one, always at index 0.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleSummary   = "summary"
)

const (
	// charsPerToken is the heuristic ratio used for token estimation.
	charsPerToken = 4

	// messageOverhead approximates the role and framing tokens every chat
	// message costs on top of its content.
	messageOverhead = 4
)

// Message is one entry of a conversation history. Treat it as immutable once
// appended: the token estimate is fixed by [NewMessage] and never recomputed.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time

	tokens int
}

// NewMessage returns a message with the given role and content and its token
// estimate already computed.
func NewMessage(role, content string, ts time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: ts, tokens: estimateTokens(content)}
}

// Tokens returns the estimated token cost of m. Messages built without
// [NewMessage] are estimated on every call.
func (m Message) Tokens() int {
	if m.tokens == 0 {
		return estimateTokens(m.Content)
	}
	return m.tokens
}

func estimateTokens(content string) int {
	return utf8.RuneCountInString(content)/charsPerToken + messageOverhead
}

// IsSummary reports whether m is the synthetic compaction summary.
func (m Message) IsSummary() bool { return m.Role == RoleSummary }

// Summary returns the content of the leading summary message of history, or
// "" when there is none.
func Summary(history []Message) string {
	if len(history) > 0 && history[0].IsSummary() {
		return history[0].Content
	}
	return ""
}

// ToLLM converts history into provider messages. The summary becomes a system
// message so every backend accepts it.
func ToLLM(history []Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleSummary:
			out = append(out, llm.Message{
				Role:    llm.RoleSystem,
				Content: fmt.Sprintf("[Previous conversation summary]: %s", m.Content),
			})
		case RoleUser, RoleAssistant, RoleSystem:
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}
