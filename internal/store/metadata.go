package store

import (
	"database/sql"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"
)

// SetMetadata upserts a key-value pair in the grading_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO grading_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM grading_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// MarkGraded records when a batch for mode was last graded.
func (s *Store) MarkGraded(mode model.Mode, at time.Time) error {
	return s.SetMetadata("graded_at_"+string(mode), at.UTC().Format(time.RFC3339))
}

// LastGraded returns when a batch for mode was last graded, or the zero
// time if it never was.
func (s *Store) LastGraded(mode model.Mode) (time.Time, error) {
	v, err := s.GetMetadata("graded_at_" + string(mode))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}

// GetImportedFileHash returns the content hash recorded for path, or "".
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash of an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`,
		path, hash,
	)
	return err
}

const operatorHashKey = "operator_password_hash"

// OperatorPasswordHash returns the bcrypt hash guarding mutating API
// routes, or "" if none has been set.
func (s *Store) OperatorPasswordHash() (string, error) {
	return s.GetMetadata(operatorHashKey)
}

// SetOperatorPasswordHash stores the operator's bcrypt hash.
func (s *Store) SetOperatorPasswordHash(hash string) error {
	return s.SetMetadata(operatorHashKey, hash)
}
