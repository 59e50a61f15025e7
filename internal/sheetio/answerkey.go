// Package sheetio reads the operator's input files (answer keys, rosters,
// OCR readings) and writes graded results as CSV, JSON or a terminal table.
package sheetio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/pavelanni/omrgrade/internal/grading"
	"github.com/pavelanni/omrgrade/internal/model"
)

// answerSeparator joins several correct choices in one key cell.
const answerSeparator = "&"

// newCSVReader strips a leading UTF-8 BOM (spreadsheet exports carry one)
// and accepts ragged rows.
func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr
}

// ParseAnswerKey reads an answer key CSV: one row per question,
// "question,answer". In multi mode an answer may list several choices
// joined with "&" (3,1&4). An empty answer cell leaves the question
// without a key. A first row whose question cell is not a number is
// treated as a header.
func ParseAnswerKey(r io.Reader, mode model.Mode) (*model.AnswerKey, error) {
	cr := newCSVReader(r)
	key := &model.AnswerKey{Mode: mode, Entries: make(map[int]model.Choices)}

	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read answer key: %w", err)
		}
		if blankRow(row) {
			continue
		}

		q, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: question %q is not a number", line, row[0])
		}
		if q < 1 {
			return nil, fmt.Errorf("line %d: question %d out of range", line, q)
		}
		if _, dup := key.Entries[q]; dup {
			return nil, fmt.Errorf("line %d: question %d listed twice", line, q)
		}

		var cell string
		if len(row) > 1 {
			cell = strings.TrimSpace(row[1])
		}
		choices, err := parseAnswerCell(cell)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if mode == model.ModeSingle && len(choices) > 1 {
			return nil, fmt.Errorf("line %d: single mode allows one answer per question, got %s", line, choices)
		}
		key.Entries[q] = choices
	}

	if key.Total() == 0 {
		return nil, fmt.Errorf("answer key has no questions: %w", grading.ErrMissingAnswerKey)
	}
	return key, nil
}

func parseAnswerCell(cell string) (model.Choices, error) {
	if cell == "" {
		return model.NewChoices(), nil
	}
	parts := strings.Split(cell, answerSeparator)
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("answer %q is not a number", p)
		}
		if v < model.MinChoice || v > model.MaxChoice {
			return nil, fmt.Errorf("answer %d outside %d-%d", v, model.MinChoice, model.MaxChoice)
		}
		vals = append(vals, v)
	}
	return model.NewChoices(vals...), nil
}

// FormatAnswerKey writes key back in the file format ParseAnswerKey reads.
func FormatAnswerKey(w io.Writer, key *model.AnswerKey) error {
	cw := csv.NewWriter(w)
	for _, q := range key.Questions() {
		if err := cw.Write([]string{strconv.Itoa(q), key.Entries[q].String()}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
