// Package postgres provides the PostgreSQL-backed store: conversation threads
// and messages, plus a pgvector-indexed document chunk table used for
// document-chat retrieval.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn, 1536)
//	thread, err := s.LoadThread(ctx, "conv-1")
//	hits, err := s.SearchChunks(ctx, queryVec, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversation_threads (
    id               TEXT         PRIMARY KEY,
    pending_audio    TEXT         NOT NULL DEFAULT '',
    last_route       TEXT         NOT NULL DEFAULT '',
    token_watermark  INTEGER      NOT NULL DEFAULT 0,
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_messages (
    conversation_id  TEXT         NOT NULL REFERENCES conversation_threads (id) ON DELETE CASCADE,
    seq              INTEGER      NOT NULL,
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (conversation_id, seq)
);
`

// ddlChunks returns the document chunk DDL with the embedding dimension
// baked into the column type.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
    id           TEXT         PRIMARY KEY,
    document_id  TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    embedding    vector(%d)   NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_document_id
    ON document_chunks (document_id);

CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
    ON document_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates all required tables and extensions. It is idempotent and
// safe to call on every start. Changing embeddingDimensions after the first
// migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlConversations, ddlChunks(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
