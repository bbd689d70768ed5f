package resilience

import (
	"context"

	"github.com/MrWong99/meetflow/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across several backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an LLMFallback with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those added before it.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Complete implements llm.Provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return Execute(ctx, f.group, func(p llm.Provider) (*llm.Response, error) {
		return p.Complete(ctx, req)
	})
}

// Stream implements llm.Provider. Failover covers opening the stream only;
// an error after the first chunk is delivered on the stream as usual.
func (f *LLMFallback) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	return Execute(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.Stream(ctx, req)
	})
}
