// Package mock provides a test double for the llm.Provider interface.
//
// Set the response fields before use, or set CompleteFunc to answer requests
// dynamically (useful when one provider serves several prompts in a turn, e.g.
// classification and answer generation). All calls are recorded.
//
// Example:
//
//	p := &mock.Provider{CompleteResponse: &llm.Response{Text: "Hello!"}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetflow/pkg/provider/llm"
)

// Call records a single invocation of Complete or Stream.
type Call struct {
	Ctx context.Context
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete when CompleteFunc is nil.
	CompleteResponse *llm.Response

	// CompleteErr, if non-nil, is returned by Complete when CompleteFunc is nil.
	CompleteErr error

	// CompleteFunc, if set, computes the result of Complete.
	CompleteFunc func(req llm.Request) (*llm.Response, error)

	// StreamChunks are emitted in order on the channel returned by Stream.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned by Stream without opening a channel.
	StreamErr error

	// CompleteCalls and StreamCalls record every invocation in order.
	CompleteCalls []Call
	StreamCalls   []Call
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	fn, resp, err := p.CompleteFunc, p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return resp, err
}

// Stream records the call and returns a channel emitting StreamChunks.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CompleteCallCount returns the number of Complete calls so far.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// StreamCallCount returns the number of Stream calls so far.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
