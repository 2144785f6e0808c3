package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores records in a single sqlite table keyed by sequence
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens the database at path and creates the table if needed
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer keeps sequence order identical to commit order
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init sqlite audit sink: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		sequence INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Append inserts one record; a duplicate sequence is rejected by the primary key
func (s *SQLiteSink) Append(ctx context.Context, r Record) error {
	query := `INSERT INTO audit_records (sequence, timestamp, kind, detail, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		int64(r.Sequence), r.Timestamp.UTC().Format(time.RFC3339Nano), string(r.Kind), string(r.Detail), r.PrevHash, r.Hash)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// ReadFrom returns up to limit records after the given sequence
func (s *SQLiteSink) ReadFrom(ctx context.Context, after uint64, limit int) ([]Record, error) {
	query := `
	SELECT sequence, timestamp, kind, detail, prev_hash, hash
	FROM audit_records
	WHERE sequence > ?
	ORDER BY sequence ASC
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Last returns the newest record or nil
func (s *SQLiteSink) Last(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT sequence, timestamp, kind, detail, prev_hash, hash
	FROM audit_records
	ORDER BY sequence DESC
	LIMIT 1`)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		sequence  int64
		timestamp string
		kind      string
		detail    string
		r         Record
	)
	if err := row.Scan(&sequence, &timestamp, &kind, &detail, &r.PrevHash, &r.Hash); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid audit timestamp %q: %w", timestamp, err)
	}
	r.Sequence = uint64(sequence)
	r.Timestamp = ts
	r.Kind = Kind(kind)
	r.Detail = []byte(detail)
	return &r, nil
}
