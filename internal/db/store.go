package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/user/syncbook/internal/highlight"
)

const fileName = "syncbook.db"

type Store struct {
	db *sql.DB
}

func NewStore(dataDir string) (*Store, error) {
	return Open(filepath.Join(dataDir, fileName))
}

// Open opens the database file at path, creating the schema if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS highlights (
		highlight_url TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT,
		author TEXT,
		text TEXT,
		note TEXT,
		highlighted_at TIMESTAMP,
		synced_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		run_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_highlights_source ON highlights(source);
	CREATE INDEX IF NOT EXISTS idx_highlights_synced_at ON highlights(synced_at);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		status TEXT NOT NULL,
		dry_run INTEGER DEFAULT 0,
		submitted INTEGER DEFAULT 0,
		message TEXT,
		error TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetMetadata returns "" when the key is absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	return err
}

// SetMetadataMany writes every pair in one transaction.
func (s *Store) SetMetadataMany(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, key := range sortedKeys(values) {
		if _, err := stmt.ExecContext(ctx, key, values[key]); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RecordHighlights stores accepted highlights in one transaction. A
// highlight already present is refreshed in place.
func (s *Store) RecordHighlights(ctx context.Context, runID string, highlights []highlight.Highlight) error {
	if len(highlights) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO highlights (highlight_url, source, title, author, text, note, highlighted_at, synced_at, run_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(highlight_url) DO UPDATE SET
		title = excluded.title,
		author = excluded.author,
		text = excluded.text,
		note = excluded.note,
		highlighted_at = excluded.highlighted_at,
		synced_at = excluded.synced_at,
		run_id = excluded.run_id
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, h := range highlights {
		if _, err := stmt.ExecContext(ctx,
			h.HighlightURL, h.SourceType, h.Title, h.Author, h.Text, h.Note,
			h.HighlightedAt.UTC(), now, runID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetEntry(ctx context.Context, highlightURL string) (*Entry, error) {
	query := `SELECT highlight_url, source, title, author, text, note, highlighted_at, synced_at, run_id FROM highlights WHERE highlight_url = ?`

	var e Entry
	err := s.db.QueryRowContext(ctx, query, highlightURL).Scan(
		&e.HighlightURL, &e.Source, &e.Title, &e.Author, &e.Text, &e.Note,
		&e.HighlightedAt, &e.SyncedAt, &e.RunID,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns the most recently synced entries, optionally restricted to sources.
func (s *Store) List(ctx context.Context, sources []string, limit int) ([]Entry, error) {
	query := `SELECT highlight_url, source, title, author, text, note, highlighted_at, synced_at, run_id FROM highlights WHERE 1 = 1`

	var args []interface{}
	query, args = appendSourceFilter(query, args, sources)

	query += ` ORDER BY synced_at DESC, highlighted_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryEntries(ctx, query, args...)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM highlights`).Scan(&count)
	return count, err
}

func (s *Store) DeleteEntry(ctx context.Context, highlightURL string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM highlights WHERE highlight_url = ?`, highlightURL)
	return err
}

// DeleteBySource drops every ledger entry of a source, used after a purge.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM highlights WHERE source = ?`, source)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordRun inserts or replaces a run row.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	var finishedAt interface{}
	if !r.FinishedAt.IsZero() {
		finishedAt = r.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO sync_runs (id, started_at, finished_at, status, dry_run, submitted, message, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC(), finishedAt, r.Status, r.DryRun, r.Submitted, r.Message, r.Error,
	)
	return err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, started_at, finished_at, status, dry_run, submitted, message, error
	FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finishedAt sql.NullTime
		var message, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &finishedAt, &r.Status, &r.DryRun, &r.Submitted, &message, &errText); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}
		r.Message = message.String
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var author, note sql.NullString
		if err := rows.Scan(&e.HighlightURL, &e.Source, &e.Title, &author, &e.Text, &note, &e.HighlightedAt, &e.SyncedAt, &e.RunID); err != nil {
			return nil, err
		}
		e.Author = author.String
		e.Note = note.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func appendSourceFilter(query string, args []interface{}, sources []string) (string, []interface{}) {
	if len(sources) == 0 {
		return query, args
	}
	query += ` AND source IN (`
	for i, src := range sources {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, src)
	}
	query += `)`
	return query, args
}
