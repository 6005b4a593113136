// Package store persists graded reports in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bosley/poise/engine"
)

var (
	ErrNotFound  = errors.New("store: report not found")
	ErrInvalidID = errors.New("store: empty report id")
)

// Record is one stored report.
type Record struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Evaluable bool          `json:"evaluable"`
	CreatedAt time.Time     `json:"createdAt"`
	Report    engine.Report `json:"report"`
}

// timeLayout has fixed width so that created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database at path. The parent directory is created if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		evaluable INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts the record, replacing any earlier report with the same id.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return ErrInvalidID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO reports (id, source, evaluable, created_at, payload)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		source = excluded.source,
		evaluable = excluded.evaluable,
		created_at = excluded.created_at,
		payload = excluded.payload
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Source,
		rec.Report.Evaluable,
		rec.CreatedAt.UTC().Format(timeLayout),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, source, evaluable, created_at, payload
	FROM reports
	WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// List returns up to limit records, newest first. A limit of zero or less returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, source, evaluable, created_at, payload
	FROM reports
	ORDER BY created_at DESC, id
	LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec       Record
		createdAt string
		payload   string
	)
	if err := sc.Scan(&rec.ID, &rec.Source, &rec.Evaluable, &createdAt, &payload); err != nil {
		return Record{}, err
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t

	if err := json.Unmarshal([]byte(payload), &rec.Report); err != nil {
		return Record{}, fmt.Errorf("decode report: %w", err)
	}
	return rec, nil
}
