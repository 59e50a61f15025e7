package reconcile

import (
	"strings"

	"github.com/pavelanni/omrgrade/internal/model"
)

// Outcome is the result of validating an identity field.
type Outcome int

const (
	Valid Outcome = iota
	Malformed
)

func (o Outcome) String() string {
	if o == Valid {
		return "valid"
	}
	return "malformed"
}

// Sentinels written into identity fields by the OCR and roster lookup.
const (
	NameNotFound       = "ไม่พบชื่อ"
	NameNotInRoster    = "ไม่พบชื่อในรายชื่อ"
	NameProcessingErr  = "ข้อผิดพลาด"
	IDReadError        = "Error Reading ID"
	IDProcessingError  = "ERROR"
	idUnreadableDigits = "-"
)

// CheckName validates a student name.
func CheckName(name string) Outcome {
	switch strings.TrimSpace(name) {
	case "", NameNotFound, NameNotInRoster, NameProcessingErr:
		return Malformed
	}
	return Valid
}

// CheckID validates a student id. An id with an unreadable digit carries a
// literal "-" (e.g. "6512-45").
func CheckID(id string) Outcome {
	switch strings.TrimSpace(id) {
	case "", IDReadError, IDProcessingError:
		return Malformed
	}
	if strings.Contains(id, idUnreadableDigits) {
		return Malformed
	}
	return Valid
}

// Unidentifiable reports whether rec must go to the unmatched group.
// Multiple marks only count in single mode; an unscorable sheet is never
// matched.
func Unidentifiable(rec model.StudentRecord, mode model.Mode) bool {
	if CheckName(rec.StudentName) == Malformed || CheckID(rec.StudentID) == Malformed {
		return true
	}
	if mode == model.ModeSingle && rec.HasIssues {
		return true
	}
	return rec.Score == nil
}
