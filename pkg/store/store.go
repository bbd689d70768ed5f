// Package store defines persistence for conversation state and the document
// chunk lookup used by document chat.
//
// Conversation state is read and written only by the router's load/save
// boundary. A thread is always saved wholesale: the stored message list is
// replaced by the one passed to SaveThread, which is how compaction's
// "replace history" semantics reach the database.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation has no stored thread.
var ErrNotFound = errors.New("store: not found")

// Message is the persisted form of one conversation message.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Thread is the persisted conversation state for one conversation id.
type Thread struct {
	ConversationID string

	// Messages are ordered oldest first.
	Messages []Message

	// PendingAudio is an audio reference attached to the conversation but not
	// yet transcribed.
	PendingAudio string

	// LastRoute is the route taken by the most recent turn.
	LastRoute string

	// TokenWatermark is the estimated token cost of Messages at save time.
	TokenWatermark int

	UpdatedAt time.Time
}

// ConversationStore loads and saves conversation threads.
type ConversationStore interface {
	// LoadThread returns the thread for id or ErrNotFound.
	LoadThread(ctx context.Context, id string) (*Thread, error)

	// SaveThread replaces the stored thread with t.
	SaveThread(ctx context.Context, t *Thread) error
}

// DocumentChunk is one embedded slice of an indexed document.
type DocumentChunk struct {
	ID         string
	DocumentID string
	Content    string
	Embedding  []float32
}

// ChunkResult is a retrieval hit. Distance is the cosine distance to the
// query; lower is closer.
type ChunkResult struct {
	Chunk    DocumentChunk
	Distance float64
}

// ChunkRetriever finds the document chunks closest to a query embedding.
type ChunkRetriever interface {
	SearchChunks(ctx context.Context, embedding []float32, topK int) ([]ChunkResult, error)
}

// ChunkIndexer stores pre-embedded document chunks.
type ChunkIndexer interface {
	IndexChunk(ctx context.Context, chunk DocumentChunk) error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
