package model

import (
	"fmt"
	"slices"
	"strings"
)

// Mode selects how an answer key is interpreted.
type Mode string

const (
	// ModeSingle expects exactly one marked choice per question.
	ModeSingle Mode = "single"
	// ModeMulti allows any number of correct choices per question.
	ModeMulti Mode = "multi"
)

// Modes lists every grading mode.
var Modes = []Mode{ModeSingle, ModeMulti}

// ParseMode converts a user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSingle:
		return ModeSingle, nil
	case ModeMulti:
		return ModeMulti, nil
	}
	return "", fmt.Errorf("unknown mode %q (want single or multi)", s)
}

// Status is the per-question grading outcome.
type Status string

const (
	StatusCorrect   Status = "correct"
	StatusIncorrect Status = "incorrect"
	StatusPartial   Status = "partial"
	StatusNoKey     Status = "no_key"
	// StatusUpdated marks a question the operator just changed. It is
	// replaced by a real outcome on the next recompute.
	StatusUpdated Status = "updated"
)

// Choice bounds of a bubble row.
const (
	MinChoice = 1
	MaxChoice = 5
)

// Choices is a sorted set of marked (or correct) bubble choices.
type Choices []int

// NewChoices returns the sorted, de-duplicated set of vals.
func NewChoices(vals ...int) Choices {
	c := make(Choices, len(vals))
	copy(c, vals)
	slices.Sort(c)
	return Choices(slices.Compact(c))
}

// Contains reports whether v is in the set.
func (c Choices) Contains(v int) bool {
	return slices.Contains(c, v)
}

// Equal reports set equality.
func (c Choices) Equal(o Choices) bool {
	return slices.Equal(NewChoices(c...), NewChoices(o...))
}

// SubsetOf reports whether every element of c is in o.
func (c Choices) SubsetOf(o Choices) bool {
	for _, v := range c {
		if !slices.Contains(o, v) {
			return false
		}
	}
	return true
}

// Toggle adds v when absent and removes it when present.
func (c Choices) Toggle(v int) Choices {
	if i := slices.Index(c, v); i >= 0 {
		return slices.Delete(slices.Clone(c), i, i+1)
	}
	return NewChoices(append(slices.Clone(c), v)...)
}

// String joins the choices with "&", the answer-key file separator.
func (c Choices) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "&")
}

// AnswerKey holds the correct choices per question for one mode.
// A question without an entry has no key.
type AnswerKey struct {
	Mode    Mode            `json:"mode"`
	Entries map[int]Choices `json:"entries"`
}

// Questions returns the keyed question numbers in ascending order.
func (k *AnswerKey) Questions() []int {
	qs := make([]int, 0, len(k.Entries))
	for q := range k.Entries {
		qs = append(qs, q)
	}
	slices.Sort(qs)
	return qs
}

// Total is the number of keyed questions.
func (k *AnswerKey) Total() int {
	return len(k.Entries)
}

// QuestionAnswer is one question's reading on a sheet.
type QuestionAnswer struct {
	Answers            Choices `json:"answers"`
	Status             Status  `json:"status"`
	HasMultipleAnswers bool    `json:"has_multiple_answers"`
}

// StudentRecord is one scanned sheet.
type StudentRecord struct {
	ID                   string                 `json:"id"`
	StudentID            string                 `json:"student_id"`
	StudentName          string                 `json:"student_name"`
	ImageRef             string                 `json:"image_ref"`
	Answers              map[int]QuestionAnswer `json:"answers"`
	Score                *int                   `json:"score"` // nil when the sheet could not be scored
	Total                int                    `json:"total"`
	MultipleAnswersCount int                    `json:"multiple_answers_count"`
	IsDuplicate          bool                   `json:"is_duplicate"`
	HasIssues            bool                   `json:"has_issues"`
	ReadingError         string                 `json:"reading_error,omitempty"`
}

// Clone returns a deep copy so callers can mutate answers freely.
func (r StudentRecord) Clone() StudentRecord {
	out := r
	if r.Score != nil {
		s := *r.Score
		out.Score = &s
	}
	if r.Answers != nil {
		out.Answers = make(map[int]QuestionAnswer, len(r.Answers))
		for q, a := range r.Answers {
			a.Answers = slices.Clone(a.Answers)
			out.Answers[q] = a
		}
	}
	return out
}

// Stats summarizes a classified batch.
type Stats struct {
	ValidCount     int  `json:"valid_count"`
	UnmatchedCount int  `json:"unmatched_count"`
	MatchedCount   int  `json:"matched_count"`
	NoData         bool `json:"no_data"`
}

// BatchResult is a classified batch ready for display or export.
type BatchResult struct {
	Mode      Mode            `json:"mode"`
	Matched   []StudentRecord `json:"matched"`
	Unmatched []StudentRecord `json:"unmatched"`
	Stats     Stats           `json:"stats"`
}

// Student is a roster entry.
type Student struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
}

// ReadingImport is one sheet as delivered by the OCR collaborator.
type ReadingImport struct {
	ID          string        `json:"id"`
	StudentID   string        `json:"student_id"`
	StudentName string        `json:"student_name"`
	ImageRef    string        `json:"image_ref"`
	Answers     map[int][]int `json:"answers"`
	// DecodeError is set when part of this sheet could not be decoded. The
	// sheet is kept and graded as unscorable.
	DecodeError string        `json:"-"`
}

// EditRequest is an operator correction of one record.
type EditRequest struct {
	StudentID   string        `json:"student_id"`
	StudentName string        `json:"student_name"`
	Answers     map[int][]int `json:"answers"`
}
