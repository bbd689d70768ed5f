package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/meetflow/pkg/provider/llm"
)

var errEmptySummary = errors.New("session: summarise: model returned an empty summary")

// summarisationPrompt is the system prompt sent to the LLM when compacting
// conversation history.
const summarisationPrompt = `Summarise the following conversation between a user and an assistant that
answers questions about documents and meetings. Preserve: the questions asked, facts and figures
given in answers, decisions, open action items, and names of documents, meetings and people.
If a previous summary is provided, merge it with the new messages into one summary.
Be concise but keep everything needed to continue the conversation.`

// Summariser condenses a conversation segment, folding in the summary of an
// earlier compaction when there is one.
type Summariser interface {
	// Summarise returns a summary covering previous (may be empty) and messages.
	Summarise(ctx context.Context, previous string, messages []Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

var _ Summariser = (*LLMSummariser)(nil)

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats previous and messages as a transcript in a single user
// message and asks the model for a condensed summary.
func (s *LLMSummariser) Summarise(ctx context.Context, previous string, messages []Message) (string, error) {
	if len(messages) == 0 && previous == "" {
		return "", nil
	}

	var sb strings.Builder
	if previous != "" {
		fmt.Fprintf(&sb, "Previous summary:\n%s\n\nNew messages:\n", previous)
	}
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.Request{
		SystemPrompt: summarisationPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("session: summarise: %w", err)
	}

	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", errEmptySummary
	}
	return summary, nil
}
