// Package llm defines the Provider interface for text-generation backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes the single capability the router and its
// sub-workflows need: generate text for a prompt plus conversation context,
// either as one response or as an ordered stream of increments.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when generation ends or when the
// supplied context is cancelled.
package llm

import "context"

// FinishReasonError is the FinishReason carried by the final Chunk of a stream
// that failed after it was opened. The chunk's Err field holds the cause.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything the model needs to produce text.
type Request struct {
	// SystemPrompt is an optional instruction placed before Messages. Providers
	// without a dedicated system field prepend it as a "system" message.
	SystemPrompt string

	// Messages is the ordered conversation context. The last message usually
	// comes from the user and drives the response.
	Messages []Message

	// Temperature controls output randomness. Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the generated tokens. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming generation.
type Chunk struct {
	// Text is the incremental text of this chunk. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk ("stop", "length", or
	// [FinishReasonError]). Empty on intermediate chunks.
	FinishReason string

	// Err is set together with FinishReason == FinishReasonError.
	Err error
}

// Response is returned by the non-streaming Complete method.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends req to the model and returns a channel of ordered Chunk
	// values. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. The initial error is non-nil only for
	// failures that prevent the stream from starting. Failures after that are
	// delivered as a final Chunk with FinishReason == FinishReasonError.
	//
	// The returned channel is never nil when error is nil.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Collect drains ch and concatenates all text. It returns the chunk error of
// a stream that ended with [FinishReasonError].
func Collect(ch <-chan Chunk) (string, error) {
	var (
		text []byte
		err  error
	)
	for c := range ch {
		text = append(text, c.Text...)
		if c.FinishReason == FinishReasonError && err == nil {
			err = c.Err
		}
	}
	return string(text), err
}
