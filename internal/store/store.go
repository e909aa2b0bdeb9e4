package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/parley/internal/dialogue"
)

// Schema creates the table PostgresStore writes to. Migrations are normally applied
// externally; EnsureSchema exists for local runs and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS dialogue_lines (
	session_id TEXT        NOT NULL,
	position   INTEGER     NOT NULL,
	speaker    TEXT        NOT NULL,
	language   TEXT,
	text       TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (session_id, position)
)`

// PostgresStore persists one dialogue session as rows keyed by position.
type PostgresStore struct {
	db      *pgxpool.Pool
	session string

	mu      sync.Mutex
	written []dialogue.Record // last committed list, used to skip unchanged rows
}

// NewPostgres returns a store for the given dialogue session.
func NewPostgres(db *pgxpool.Pool, session string) *PostgresStore {
	return &PostgresStore{db: db, session: session}
}

// EnsureSchema creates the dialogue table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// Save upserts every row that differs from the last committed list and trims rows
// past the end, in one transaction.
func (s *PostgresStore) Save(ctx context.Context, records []dialogue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i, r := range records {
		if i < len(s.written) && sameRecord(s.written[i], r) {
			continue
		}
		batch.Queue(`
			INSERT INTO dialogue_lines (session_id, position, speaker, language, text, kind, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (session_id, position) DO UPDATE SET
				speaker = EXCLUDED.speaker,
				language = EXCLUDED.language,
				text = EXCLUDED.text,
				kind = EXCLUDED.kind,
				updated_at = NOW()
		`, s.session, i, r.Speaker, r.Language, r.Text, r.Kind.String())
	}
	batch.Queue(`DELETE FROM dialogue_lines WHERE session_id = $1 AND position >= $2`, s.session, len(records))

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write dialogue rows: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.written = append(s.written[:0], records...)
	return nil
}

// Load returns the session's rows in position order.
func (s *PostgresStore) Load(ctx context.Context) ([]dialogue.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT speaker, language, text, kind
		FROM dialogue_lines
		WHERE session_id = $1
		ORDER BY position ASC
	`, s.session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dialogue.Record
	for rows.Next() {
		var r dialogue.Record
		var kind string
		if err := rows.Scan(&r.Speaker, &r.Language, &r.Text, &kind); err != nil {
			return nil, err
		}
		if r.Kind, err = dialogue.ParseKind(kind); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.written = append(s.written[:0], out...)
	s.mu.Unlock()
	return out, nil
}

func sameRecord(a, b dialogue.Record) bool {
	if a.Speaker != b.Speaker || a.Text != b.Text || a.Kind != b.Kind {
		return false
	}
	if a.Language == nil || b.Language == nil {
		return a.Language == nil && b.Language == nil
	}
	return *a.Language == *b.Language
}
