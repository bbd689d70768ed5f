// Package sqlite provides a single-node conversation store on an embedded
// SQLite database (modernc.org/sqlite, no CGO). It stores threads and
// messages only; document retrieval requires the postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/meetflow/pkg/store"
)

const currentSchemaVersion = 1

var (
	_ store.ConversationStore = (*Store)(nil)
	_ store.Pinger            = (*Store)(nil)
)

// Store is a SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file at path and applies pending
// migrations. The parent directory is created when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping implements store.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	version := 0
	var versionText string
	err = tx.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&versionText)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if version, err = strconv.Atoi(versionText); err != nil {
			return fmt.Errorf("parse schema version %q: %w", versionText, err)
		}
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than runtime version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS conversation_threads (
				id              TEXT    PRIMARY KEY,
				pending_audio   TEXT    NOT NULL DEFAULT '',
				last_route      TEXT    NOT NULL DEFAULT '',
				token_watermark INTEGER NOT NULL DEFAULT 0,
				updated_at      INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conversation_messages (
				conversation_id TEXT    NOT NULL REFERENCES conversation_threads (id) ON DELETE CASCADE,
				seq             INTEGER NOT NULL,
				role            TEXT    NOT NULL,
				content         TEXT    NOT NULL,
				created_at      INTEGER NOT NULL,
				PRIMARY KEY (conversation_id, seq)
			)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate schema 0 -> 1: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(currentSchemaVersion),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadThread implements store.ConversationStore.
func (s *Store) LoadThread(ctx context.Context, id string) (*store.Thread, error) {
	t := &store.Thread{ConversationID: id}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT pending_audio, last_route, token_watermark, updated_at FROM conversation_threads WHERE id = ?`, id,
	).Scan(&t.PendingAudio, &t.LastRoute, &t.TokenWatermark, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load thread: %w", err)
	}
	t.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       store.Message
			created int64
		)
		if err := rows.Scan(&m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate messages: %w", err)
	}
	return t, nil
}

// SaveThread implements store.ConversationStore.
func (s *Store) SaveThread(ctx context.Context, t *store.Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_threads (id, pending_audio, last_route, token_watermark, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     pending_audio   = excluded.pending_audio,
		     last_route      = excluded.last_route,
		     token_watermark = excluded.token_watermark,
		     updated_at      = excluded.updated_at`,
		t.ConversationID, t.PendingAudio, t.LastRoute, t.TokenWatermark, updated.UnixMilli(),
	); err != nil {
		return fmt.Errorf("sqlite store: upsert thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, t.ConversationID); err != nil {
		return fmt.Errorf("sqlite store: clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO conversation_messages (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range t.Messages {
		created := m.CreatedAt
		if created.IsZero() {
			created = updated
		}
		if _, err := stmt.ExecContext(ctx, t.ConversationID, i, m.Role, m.Content, created.UnixMilli()); err != nil {
			return fmt.Errorf("sqlite store: insert message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}
