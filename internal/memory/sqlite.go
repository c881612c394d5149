package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteIndex is the default SearchProvider: an FTS5 full-text index over
// memory notes, ranked by BM25. No embedding model required, which keeps
// retrieval available even when the provider is down.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the index at path. ":memory:" works for
// tests.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory index: %w", err)
	}
	// FTS5 external-content is overkill here; notes are small and the
	// virtual table carries the text itself.
	_, err = db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS notes USING fts5(
			id UNINDEXED,
			session_key,
			source UNINDEXED,
			text,
			created_at UNINDEXED
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fts table: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Index stores notes, assigning IDs and timestamps where missing.
func (s *SQLiteIndex) Index(ctx context.Context, notes []Note) error {
	if len(notes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notes (id, session_key, source, text, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range notes {
		n := &notes[i]
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, n.ID, n.SessionKey, n.Source, n.Text,
			n.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
	}
	return tx.Commit()
}

// Search runs a BM25-ranked full-text query scoped to one session key.
// Scores are normalised into [0,1].
func (s *SQLiteIndex) Search(ctx context.Context, sessionKey, query string, limit int) ([]Result, error) {
	q := ftsQuery(query)
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, source, text, created_at, bm25(notes)
		FROM notes
		WHERE notes MATCH ? AND session_key = ?
		ORDER BY bm25(notes)
		LIMIT ?`, q, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var n Note
		var created string
		var rank float64
		if err := rows.Scan(&n.ID, &n.SessionKey, &n.Source, &n.Text, &created, &rank); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, Result{Note: n, Score: normaliseRank(rank)})
	}
	return out, rows.Err()
}

// Delete removes notes by ID.
func (s *SQLiteIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete note %s: %w", id, err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteIndex) Close() error { return s.db.Close() }

// ftsQuery turns free text into a safe FTS5 query: each term quoted and
// OR-joined so punctuation in user text cannot break the match syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'`)
		f = strings.ReplaceAll(f, `"`, ``)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// normaliseRank maps FTS5 bm25 output (more negative = better) into (0,1].
func normaliseRank(rank float64) float64 {
	return 1 / (1 + math.Exp(rank))
}
