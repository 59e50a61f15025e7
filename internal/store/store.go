package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the SQLite source of truth for answer keys, the roster and
// graded batches.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS answer_keys (
		mode TEXT NOT NULL,
		question INTEGER NOT NULL,
		choices TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (mode, question)
	);

	CREATE TABLE IF NOT EXISTS roster (
		student_id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT NOT NULL,
		mode TEXT NOT NULL,
		position INTEGER NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		student_name TEXT NOT NULL DEFAULT '',
		image_ref TEXT NOT NULL DEFAULT '',
		answers TEXT NOT NULL DEFAULT '{}',
		score INTEGER,
		total INTEGER NOT NULL DEFAULT 0,
		multiple_answers_count INTEGER NOT NULL DEFAULT 0,
		is_duplicate INTEGER NOT NULL DEFAULT 0,
		has_issues INTEGER NOT NULL DEFAULT 0,
		reading_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (mode, id)
	);

	CREATE TABLE IF NOT EXISTS grading_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
