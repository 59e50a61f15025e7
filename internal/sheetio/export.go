package sheetio

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/pavelanni/omrgrade/internal/model"
)

// BuildExport flattens a classified batch. Question columns follow the
// key's question numbers in ascending order; without a key they are the
// union of questions seen on the sheets. Matched rows come first in their
// classified order, then unmatched rows in batch order.
func BuildExport(res model.BatchResult, key *model.AnswerKey, at time.Time) model.ResultExport {
	questions := exportQuestions(res, key)
	exp := model.ResultExport{
		Mode:       res.Mode,
		ExportedAt: at.UTC(),
		Questions:  questions,
		Stats:      res.Stats,
		Rows:       make([]model.ExportRow, 0, len(res.Matched)+len(res.Unmatched)),
	}
	for _, rec := range res.Matched {
		exp.Rows = append(exp.Rows, exportRow(rec, questions, false))
	}
	for _, rec := range res.Unmatched {
		exp.Rows = append(exp.Rows, exportRow(rec, questions, true))
	}
	return exp
}

func exportQuestions(res model.BatchResult, key *model.AnswerKey) []int {
	if key != nil && key.Total() > 0 {
		return key.Questions()
	}
	var qs []int
	for _, group := range [][]model.StudentRecord{res.Matched, res.Unmatched} {
		for _, rec := range group {
			for q := range rec.Answers {
				if !slices.Contains(qs, q) {
					qs = append(qs, q)
				}
			}
		}
	}
	slices.Sort(qs)
	return qs
}

func exportRow(rec model.StudentRecord, questions []int, unmatched bool) model.ExportRow {
	row := model.ExportRow{
		StudentID:   rec.StudentID,
		StudentName: rec.StudentName,
		Questions:   make([]model.QuestionResult, len(questions)),
		Score:       rec.Score,
		Total:       rec.Total,
		Duplicate:   rec.IsDuplicate,
		Unmatched:   unmatched,
	}
	for i, q := range questions {
		a := rec.Answers[q]
		row.Questions[i] = model.QuestionResult{Question: q, Answers: a.Answers, Status: a.Status}
	}
	return row
}

// WriteCSV writes exp as CSV with a UTF-8 byte order mark so spreadsheet
// applications detect the encoding of Thai names.
func WriteCSV(w io.Writer, exp model.ResultExport) error {
	tw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(tw)

	header := []string{"student_id", "student_name"}
	for _, q := range exp.Questions {
		header = append(header, fmt.Sprintf("q%d", q), fmt.Sprintf("q%d_status", q))
	}
	header = append(header, "score", "total", "duplicate", "unmatched")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, row := range exp.Rows {
		rec := []string{row.StudentID, row.StudentName}
		for _, qr := range row.Questions {
			rec = append(rec, qr.Answers.String(), string(qr.Status))
		}
		rec = append(rec,
			formatScore(row.Score),
			strconv.Itoa(row.Total),
			strconv.FormatBool(row.Duplicate),
			strconv.FormatBool(row.Unmatched),
		)
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %s: %w", row.StudentID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return tw.Close()
}

// WriteJSON writes exp as indented JSON.
func WriteJSON(w io.Writer, exp model.ResultExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exp); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

func formatScore(score *int) string {
	if score == nil {
		return ""
	}
	return strconv.Itoa(*score)
}
