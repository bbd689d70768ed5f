package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/meetflow/pkg/store"
)

var (
	_ store.ConversationStore = (*Store)(nil)
	_ store.ChunkRetriever    = (*Store)(nil)
	_ store.ChunkIndexer      = (*Store)(nil)
	_ store.Pinger            = (*Store)(nil)
)

// Store is the PostgreSQL-backed store. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// Ping implements store.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// LoadThread implements store.ConversationStore.
func (s *Store) LoadThread(ctx context.Context, id string) (*store.Thread, error) {
	t := &store.Thread{ConversationID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT pending_audio, last_route, token_watermark, updated_at
		FROM   conversation_threads
		WHERE  id = $1`, id).Scan(&t.PendingAudio, &t.LastRoute, &t.TokenWatermark, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load thread: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT role, content, created_at
		FROM   conversation_messages
		WHERE  conversation_id = $1
		ORDER  BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var m store.Message
		err := row.Scan(&m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	t.Messages = msgs
	return t, nil
}

// SaveThread implements store.ConversationStore. The thread row is upserted
// and its messages are replaced in one transaction.
func (s *Store) SaveThread(ctx context.Context, t *store.Thread) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_threads (id, pending_audio, last_route, token_watermark, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    pending_audio   = EXCLUDED.pending_audio,
		    last_route      = EXCLUDED.last_route,
		    token_watermark = EXCLUDED.token_watermark,
		    updated_at      = EXCLUDED.updated_at`,
		t.ConversationID, t.PendingAudio, t.LastRoute, t.TokenWatermark, updated,
	); err != nil {
		return fmt.Errorf("postgres store: upsert thread: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM conversation_messages WHERE conversation_id = $1`, t.ConversationID); err != nil {
		return fmt.Errorf("postgres store: clear messages: %w", err)
	}

	if len(t.Messages) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"conversation_messages"},
			[]string{"conversation_id", "seq", "role", "content", "created_at"},
			pgx.CopyFromSlice(len(t.Messages), func(i int) ([]any, error) {
				m := t.Messages[i]
				created := m.CreatedAt
				if created.IsZero() {
					created = updated
				}
				return []any{t.ConversationID, i, m.Role, m.Content, created}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("postgres store: copy messages: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// IndexChunk implements store.ChunkIndexer. An existing chunk with the same
// ID is replaced.
func (s *Store) IndexChunk(ctx context.Context, c store.DocumentChunk) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_chunks (id, document_id, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    document_id = EXCLUDED.document_id,
		    content     = EXCLUDED.content,
		    embedding   = EXCLUDED.embedding`,
		c.ID, c.DocumentID, c.Content, pgvector.NewVector(c.Embedding),
	)
	if err != nil {
		return fmt.Errorf("postgres store: index chunk: %w", err)
	}
	return nil
}

// SearchChunks implements store.ChunkRetriever. Results are ordered by
// ascending cosine distance.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]store.ChunkResult, error) {
	if topK <= 0 {
		return []store.ChunkResult{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, content, embedding, embedding <=> $1 AS distance
		FROM   document_chunks
		ORDER  BY distance
		LIMIT  $2`, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search chunks: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChunkResult, error) {
		var (
			r   store.ChunkResult
			vec pgvector.Vector
		)
		if err := row.Scan(&r.Chunk.ID, &r.Chunk.DocumentID, &r.Chunk.Content, &vec, &r.Distance); err != nil {
			return store.ChunkResult{}, err
		}
		r.Chunk.Embedding = vec.Slice()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan chunks: %w", err)
	}
	if results == nil {
		results = []store.ChunkResult{}
	}
	return results, nil
}
