package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/pavelanni/omrgrade/internal/model"
)

// ReplaceRoster swaps the stored roster for students.
func (s *Store) ReplaceRoster(ctx context.Context, students []model.Student) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM roster`); err != nil {
		return err
	}
	for _, st := range students {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO roster (student_id, name) VALUES (?, ?)
			 ON CONFLICT(student_id) DO UPDATE SET name = excluded.name`,
			st.StudentID, st.Name,
		)
		if err != nil {
			slog.Error("failed to insert roster entry", "student_id", st.StudentID, "error", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("replaced roster", "students", len(students))
	return nil
}

// Roster returns all roster entries ordered by id.
func (s *Store) Roster(ctx context.Context) ([]model.Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT student_id, name FROM roster ORDER BY student_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.StudentID, &st.Name); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// ErrStudentNotFound is returned by Student for an id absent from the roster.
var ErrStudentNotFound = errors.New("student not found")

// Student looks up one roster entry by id.
func (s *Store) Student(ctx context.Context, studentID string) (model.Student, error) {
	st := model.Student{StudentID: strings.TrimSpace(studentID)}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM roster WHERE student_id = ?`, st.StudentID).Scan(&st.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, ErrStudentNotFound
	}
	return st, err
}

// RosterCount returns the number of roster entries.
func (s *Store) RosterCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roster`).Scan(&count)
	return count, err
}
