package sheetio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/pavelanni/omrgrade/internal/model"
)

var (
	headerIDWords   = []string{"student_id", "student_code", "std_code", "student_no", "รหัส"}
	headerNameWords = []string{"name", "fname_th", "std_lname_th", "ชื่อ"}
)

// ParseRoster reads a class roster CSV. Rows with two columns are
// "id,full name"; rows with three or more are "id,first,last,...". A
// header row is recognized by its column titles and skipped, as are blank
// or short rows. When an id repeats, the first row wins.
func ParseRoster(r io.Reader) ([]model.Student, error) {
	cr := newCSVReader(r)

	var students []model.Student
	seen := make(map[string]bool)
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		if line == 1 && isRosterHeader(row) {
			slog.Debug("skipping roster header", "row", row)
			continue
		}
		if len(row) < 2 || row[0] == "" {
			continue
		}

		name := row[1]
		if len(row) >= 3 {
			name = strings.TrimSpace(row[1] + " " + row[2])
		}
		if name == "" {
			continue
		}
		if seen[row[0]] {
			slog.Warn("duplicate roster id, keeping first", "student_id", row[0], "line", line)
			continue
		}
		seen[row[0]] = true
		students = append(students, model.Student{StudentID: row[0], Name: name})
	}
	return students, nil
}

func isRosterHeader(row []string) bool {
	if len(row) > 0 && containsAny(strings.ToLower(row[0]), headerIDWords) {
		return true
	}
	return len(row) > 1 && containsAny(strings.ToLower(row[1]), headerNameWords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// WriteRoster writes students as "student_id,name" CSV with a UTF-8 byte
// order mark. ParseRoster reads the result back.
func WriteRoster(w io.Writer, students []model.Student) error {
	tw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(tw)
	if err := cw.Write([]string{"student_id", "name"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, st := range students {
		if err := cw.Write([]string{st.StudentID, st.Name}); err != nil {
			return fmt.Errorf("write student %s: %w", st.StudentID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return tw.Close()
}
