package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/meetflow/pkg/provider/embeddings"
	"github.com/MrWong99/meetflow/pkg/provider/llm"
	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is one name → factory table of the registry.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func (f factories[T]) names() []string { return slices.Sorted(maps.Keys(f.m)) }

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

// Registry maps provider names to their constructor functions for each
// capability. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	llm         factories[llm.Provider]
	transcriber factories[stt.Transcriber]
	aligner     factories[stt.Aligner]
	diarizer    factories[stt.Diarizer]
	embeddings  factories[embeddings.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:         newFactories[llm.Provider]("llm"),
		transcriber: newFactories[stt.Transcriber]("transcriber"),
		aligner:     newFactories[stt.Aligner]("aligner"),
		diarizer:    newFactories[stt.Diarizer]("diarizer"),
		embeddings:  newFactories[embeddings.Provider]("embeddings"),
	}
}

func register[T any](r *Registry, f *factories[T], name string, factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.m[name] = factory
}

func create[T any](r *Registry, f *factories[T], entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := f.m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	register(r, &r.llm, name, factory)
}

// RegisterTranscriber registers a transcriber factory under name.
func (r *Registry) RegisterTranscriber(name string, factory Factory[stt.Transcriber]) {
	register(r, &r.transcriber, name, factory)
}

// RegisterAligner registers an aligner factory under name.
func (r *Registry) RegisterAligner(name string, factory Factory[stt.Aligner]) {
	register(r, &r.aligner, name, factory)
}

// RegisterDiarizer registers a diarizer factory under name.
func (r *Registry) RegisterDiarizer(name string, factory Factory[stt.Diarizer]) {
	register(r, &r.diarizer, name, factory)
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory Factory[embeddings.Provider]) {
	register(r, &r.embeddings, name, factory)
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, &r.llm, entry)
}

// CreateTranscriber instantiates the transcriber registered under entry.Name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	return create(r, &r.transcriber, entry)
}

// CreateAligner instantiates the aligner registered under entry.Name.
func (r *Registry) CreateAligner(entry ProviderEntry) (stt.Aligner, error) {
	return create(r, &r.aligner, entry)
}

// CreateDiarizer instantiates the diarizer registered under entry.Name.
func (r *Registry) CreateDiarizer(entry ProviderEntry) (stt.Diarizer, error) {
	return create(r, &r.diarizer, entry)
}

// CreateEmbeddings instantiates the embeddings provider registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return create(r, &r.embeddings, entry)
}

// Names returns the sorted provider names registered for kind ("llm",
// "transcriber", "aligner", "diarizer", "embeddings").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch kind {
	case r.llm.kind:
		return r.llm.names()
	case r.transcriber.kind:
		return r.transcriber.names()
	case r.aligner.kind:
		return r.aligner.names()
	case r.diarizer.kind:
		return r.diarizer.names()
	case r.embeddings.kind:
		return r.embeddings.names()
	}
	return nil
}
