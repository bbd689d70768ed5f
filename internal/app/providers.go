package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/meetflow/internal/config"
	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/resilience"
)

// BuildProviders instantiates every configured provider through reg. The
// LLM and transcriber are wrapped in a failover group when fallbacks are
// configured.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	pc := cfg.Providers
	fb := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  pc.CircuitBreaker.MaxFailures,
			ResetTimeout: pc.CircuitBreaker.ResetTimeout,
		},
		Metrics: m,
	}
	ps := &Providers{}

	primaryLLM, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
	}
	ps.LLM = primaryLLM
	if len(pc.LLMFallbacks) > 0 {
		group := resilience.NewLLMFallback(primaryLLM, pc.LLM.Name, fb)
		for _, e := range pc.LLMFallbacks {
			p, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, p)
		}
		ps.LLM = group
	}
	slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "fallbacks", len(pc.LLMFallbacks))

	primarySTT, err := reg.CreateTranscriber(pc.Transcriber)
	if err != nil {
		return nil, fmt.Errorf("create transcriber %q: %w", pc.Transcriber.Name, err)
	}
	ps.Transcriber = primarySTT
	if len(pc.TranscriberFallbacks) > 0 {
		group := resilience.NewTranscriberFallback(primarySTT, pc.Transcriber.Name, fb)
		for _, e := range pc.TranscriberFallbacks {
			t, err := reg.CreateTranscriber(e)
			if err != nil {
				return nil, fmt.Errorf("create transcriber fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, t)
		}
		ps.Transcriber = group
	}
	slog.Info("provider created", "kind", "transcriber", "name", pc.Transcriber.Name, "fallbacks", len(pc.TranscriberFallbacks))

	if pc.Aligner.Name != "" {
		if ps.Aligner, err = reg.CreateAligner(pc.Aligner); err != nil {
			return nil, fmt.Errorf("create aligner %q: %w", pc.Aligner.Name, err)
		}
		slog.Info("provider created", "kind", "aligner", "name", pc.Aligner.Name)
	}
	if pc.Diarizer.Name != "" {
		if ps.Diarizer, err = reg.CreateDiarizer(pc.Diarizer); err != nil {
			return nil, fmt.Errorf("create diarizer %q: %w", pc.Diarizer.Name, err)
		}
		slog.Info("provider created", "kind", "diarizer", "name", pc.Diarizer.Name)
	}
	if pc.Embeddings.Name != "" {
		if ps.Embeddings, err = reg.CreateEmbeddings(pc.Embeddings); err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", pc.Embeddings.Name, err)
		}
		slog.Info("provider created", "kind", "embeddings", "name", pc.Embeddings.Name)
	}
	return ps, nil
}
