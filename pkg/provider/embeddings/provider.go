// Package embeddings defines the Provider interface for text embedding
// backends. Document chat embeds the user's question with it and looks up the
// closest document chunks in the store.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to dense vectors.
//
// All vectors returned by one Provider share the length reported by
// Dimensions. Vectors from different models must not be compared.
type Provider interface {
	// Embed computes the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID returns the backend model identifier.
	ModelID() string
}
