// Package grading scores bubble readings against an answer key.
package grading

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/omrgrade/internal/model"
)

// ErrMissingAnswerKey is returned when no key exists for the requested mode.
// It is fatal for grading and editing that mode.
var ErrMissingAnswerKey = errors.New("answer key not found")

// ReadingError describes a structurally invalid reading on one sheet.
type ReadingError struct {
	Question int
	Choice   int
}

func (e *ReadingError) Error() string {
	if e.Question < 1 {
		return fmt.Sprintf("invalid question number %d", e.Question)
	}
	return fmt.Sprintf("question %d: choice %d outside %d-%d", e.Question, e.Choice, model.MinChoice, model.MaxChoice)
}

// Result is the aggregate outcome of grading one record.
type Result struct {
	Score                int
	Total                int
	MultipleAnswersCount int
}

// GradeQuestion returns the status of one question.
func GradeQuestion(mode model.Mode, student, correct model.Choices) model.Status {
	if len(correct) == 0 {
		return model.StatusNoKey
	}
	if mode == model.ModeSingle {
		if len(student) == 1 && student.Equal(correct) {
			return model.StatusCorrect
		}
		return model.StatusIncorrect
	}

	if len(student) == 0 || !student.SubsetOf(correct) {
		return model.StatusIncorrect
	}
	if student.Equal(correct) {
		return model.StatusCorrect
	}
	return model.StatusPartial
}

// ValidateReading checks the shape of a reading: positive question numbers
// and choices within the bubble row.
func ValidateReading(answers map[int]model.QuestionAnswer) error {
	for q, a := range answers {
		if q < 1 {
			return &ReadingError{Question: q}
		}
		for _, c := range a.Answers {
			if c < model.MinChoice || c > model.MaxChoice {
				return &ReadingError{Question: q, Choice: c}
			}
		}
	}
	return nil
}

// Score counts correct questions for answers against key without touching
// any stored status.
func Score(answers map[int]model.QuestionAnswer, key *model.AnswerKey) int {
	score := 0
	for q, correct := range key.Entries {
		if GradeQuestion(key.Mode, answers[q].Answers, correct) == model.StatusCorrect {
			score++
		}
	}
	return score
}

// GradeRecord sets each question's status on rec and returns the aggregate.
// Keyed questions the sheet does not mention are added as unanswered.
// A structurally invalid reading leaves rec unscorable and returns a
// *ReadingError.
func GradeRecord(rec *model.StudentRecord, key *model.AnswerKey) (Result, error) {
	if key == nil {
		return Result{}, ErrMissingAnswerKey
	}
	res := Result{Total: key.Total()}
	rec.Total = res.Total

	if err := ValidateReading(rec.Answers); err != nil {
		MarkUnscorable(rec, err.Error())
		return res, err
	}
	rec.ReadingError = ""

	if rec.Answers == nil {
		rec.Answers = make(map[int]model.QuestionAnswer, len(key.Entries))
	}
	for q := range key.Entries {
		if _, ok := rec.Answers[q]; !ok {
			rec.Answers[q] = model.QuestionAnswer{Answers: model.Choices{}}
		}
	}

	for q, a := range rec.Answers {
		a.Answers = model.NewChoices(a.Answers...)
		a.HasMultipleAnswers = len(a.Answers) > 1
		a.Status = GradeQuestion(key.Mode, a.Answers, key.Entries[q])
		rec.Answers[q] = a

		if a.Status == model.StatusCorrect {
			res.Score++
		}
		if key.Mode == model.ModeSingle && a.HasMultipleAnswers {
			res.MultipleAnswersCount++
		}
	}

	score := res.Score
	rec.Score = &score
	rec.MultipleAnswersCount = res.MultipleAnswersCount
	rec.HasIssues = key.Mode == model.ModeSingle && res.MultipleAnswersCount > 0
	return res, nil
}

// MarkUnscorable leaves rec without a score and records reason as its
// reading error.
func MarkUnscorable(rec *model.StudentRecord, reason string) {
	rec.Score = nil
	rec.ReadingError = reason
	rec.MultipleAnswersCount = 0
	rec.HasIssues = false
}

// GradeBatch grades every record in place. Only a missing key aborts the
// batch; a bad reading marks that record unscorable and grading continues.
func GradeBatch(records []model.StudentRecord, key *model.AnswerKey) error {
	if key == nil {
		return ErrMissingAnswerKey
	}
	for i := range records {
		if _, err := GradeRecord(&records[i], key); err != nil {
			slog.Warn("unscorable sheet", "record_id", records[i].ID, "student_id", records[i].StudentID, "error", err)
		}
	}
	return nil
}
