package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pavelanni/omrgrade/internal/grading"
	"github.com/pavelanni/omrgrade/internal/model"
)

// PutAnswerKey replaces the stored key for key.Mode.
func (s *Store) PutAnswerKey(ctx context.Context, key model.AnswerKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM answer_keys WHERE mode = ?`, key.Mode); err != nil {
		return err
	}
	for _, q := range key.Questions() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO answer_keys (mode, question, choices) VALUES (?, ?, ?)`,
			key.Mode, q, key.Entries[q].String(),
		)
		if err != nil {
			return fmt.Errorf("insert question %d: %w", q, err)
		}
	}
	return tx.Commit()
}

// AnswerKey returns the key for mode, or grading.ErrMissingAnswerKey when
// none has been stored.
func (s *Store) AnswerKey(ctx context.Context, mode model.Mode) (*model.AnswerKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, choices FROM answer_keys WHERE mode = ? ORDER BY question`, mode,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	key := &model.AnswerKey{Mode: mode, Entries: make(map[int]model.Choices)}
	for rows.Next() {
		var q int
		var raw string
		if err := rows.Scan(&q, &raw); err != nil {
			return nil, err
		}
		choices, err := parseChoices(raw)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", q, err)
		}
		key.Entries[q] = choices
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(key.Entries) == 0 {
		return nil, fmt.Errorf("%s mode: %w", mode, grading.ErrMissingAnswerKey)
	}
	return key, nil
}

// DeleteAnswerKey removes the key for mode.
func (s *Store) DeleteAnswerKey(ctx context.Context, mode model.Mode) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM answer_keys WHERE mode = ?`, mode)
	return err
}

func parseChoices(raw string) (model.Choices, error) {
	if strings.TrimSpace(raw) == "" {
		return model.Choices{}, nil
	}
	parts := strings.Split(raw, "&")
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse choice %q: %w", p, err)
		}
		vals = append(vals, v)
	}
	return model.NewChoices(vals...), nil
}
