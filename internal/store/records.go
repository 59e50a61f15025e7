package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/omrgrade/internal/model"
)

// dbtx is the part of *sql.DB, *sql.Tx and *sql.Conn the record helpers use.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SaveBatch replaces every stored record for mode, keeping slice order.
func (s *Store) SaveBatch(ctx context.Context, mode model.Mode, records []model.StudentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := writeRecords(ctx, tx, mode, records); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadBatch returns the stored records for mode in their saved order.
func (s *Store) LoadBatch(ctx context.Context, mode model.Mode) ([]model.StudentRecord, error) {
	return readRecords(ctx, s.db, mode)
}

// UpdateBatch loads the batch for mode, lets fn patch it in place and
// writes it back inside one IMMEDIATE transaction. Writers in other
// processes sharing the database file wait on the SQLite write lock, so
// no update is lost between the load and the save. Nothing is written
// when fn returns an error.
func (s *Store) UpdateBatch(ctx context.Context, mode model.Mode, fn func(records []model.StudentRecord) error) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("begin batch update: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		}
	}()

	records, err := readRecords(ctx, conn, mode)
	if err != nil {
		return err
	}
	if err := fn(records); err != nil {
		return err
	}
	if err := writeRecords(ctx, conn, mode, records); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("commit batch update: %w", err)
	}
	return nil
}

// ClearBatch deletes all records for mode.
func (s *Store) ClearBatch(ctx context.Context, mode model.Mode) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE mode = ?`, mode)
	return err
}

// BatchSize returns the number of stored records for mode.
func (s *Store) BatchSize(ctx context.Context, mode model.Mode) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE mode = ?`, mode).Scan(&n)
	return n, err
}

func writeRecords(ctx context.Context, db dbtx, mode model.Mode, records []model.StudentRecord) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM records WHERE mode = ?`, mode); err != nil {
		return err
	}
	for i, r := range records {
		answers, err := json.Marshal(r.Answers)
		if err != nil {
			return fmt.Errorf("encode answers for %s: %w", r.ID, err)
		}
		var score sql.NullInt64
		if r.Score != nil {
			score = sql.NullInt64{Int64: int64(*r.Score), Valid: true}
		}
		_, err = db.ExecContext(ctx,
			`INSERT INTO records (id, mode, position, student_id, student_name, image_ref, answers,
			 score, total, multiple_answers_count, is_duplicate, has_issues, reading_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, mode, i, r.StudentID, r.StudentName, r.ImageRef, string(answers),
			score, r.Total, r.MultipleAnswersCount, r.IsDuplicate, r.HasIssues, r.ReadingError,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}
	return nil
}

func readRecords(ctx context.Context, db dbtx, mode model.Mode) ([]model.StudentRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, student_id, student_name, image_ref, answers, score, total,
		 multiple_answers_count, is_duplicate, has_issues, reading_error
		 FROM records WHERE mode = ? ORDER BY position`, mode,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.StudentRecord
	for rows.Next() {
		var r model.StudentRecord
		var answers string
		var score sql.NullInt64
		if err := rows.Scan(&r.ID, &r.StudentID, &r.StudentName, &r.ImageRef, &answers, &score, &r.Total,
			&r.MultipleAnswersCount, &r.IsDuplicate, &r.HasIssues, &r.ReadingError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for %s: %w", r.ID, err)
		}
		if score.Valid {
			v := int(score.Int64)
			r.Score = &v
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
