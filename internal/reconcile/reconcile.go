// Package reconcile splits graded sheets into matched and unmatched groups,
// flags duplicate student ids and orders the result.
package reconcile

import (
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/pavelanni/omrgrade/internal/model"
)

// DefaultCollation is the locale used to order student ids.
var DefaultCollation = language.Thai

// Reconciler classifies batches. It holds no batch state.
type Reconciler struct {
	tag language.Tag
}

// New returns a Reconciler ordering ids with the collation rules of tag.
func New(tag language.Tag) *Reconciler {
	return &Reconciler{tag: tag}
}

// collator orders student ids with numeric runs by value ("9" < "10").
// A collate.Collator is not safe for concurrent use, so each call builds
// its own.
func (r *Reconciler) collator() *collate.Collator {
	return collate.New(r.tag, collate.Numeric, collate.IgnoreCase)
}

// SortStudents orders roster entries by id.
func (r *Reconciler) SortStudents(students []model.Student) {
	c := r.collator()
	slices.SortStableFunc(students, func(a, b model.Student) int {
		return c.CompareString(a.StudentID, b.StudentID)
	})
}

// Classify marks duplicates and partitions records. Matched records are
// sorted by id; unmatched keep their input order. The input slice is not
// modified.
func (r *Reconciler) Classify(records []model.StudentRecord, mode model.Mode) model.BatchResult {
	res := model.BatchResult{
		Mode:      mode,
		Matched:   []model.StudentRecord{},
		Unmatched: []model.StudentRecord{},
	}
	if len(records) == 0 {
		res.Stats.NoData = true
		return res
	}

	all := make([]model.StudentRecord, len(records))
	for i, rec := range records {
		all[i] = rec.Clone()
	}
	MarkDuplicates(all)

	for _, rec := range all {
		if rec.Score != nil {
			res.Stats.ValidCount++
		}
		if Unidentifiable(rec, mode) {
			res.Unmatched = append(res.Unmatched, rec)
		} else {
			res.Matched = append(res.Matched, rec)
		}
	}

	c := r.collator()
	slices.SortStableFunc(res.Matched, func(a, b model.StudentRecord) int {
		return c.CompareString(a.StudentID, b.StudentID)
	})

	res.Stats.MatchedCount = len(res.Matched)
	res.Stats.UnmatchedCount = len(res.Unmatched)
	return res
}

// MarkDuplicates sets IsDuplicate on every record whose valid id appears
// more than once and clears it everywhere else. It returns the number of
// records flagged.
func MarkDuplicates(records []model.StudentRecord) int {
	seen := make(map[string]int, len(records))
	for _, rec := range records {
		if CheckID(rec.StudentID) == Valid {
			seen[normalizeID(rec.StudentID)]++
		}
	}

	flagged := 0
	for i := range records {
		id := records[i].StudentID
		dup := CheckID(id) == Valid && seen[normalizeID(id)] > 1
		records[i].IsDuplicate = dup
		if dup {
			flagged++
		}
	}
	if flagged > 0 {
		slog.Debug("duplicate student ids in batch", "records", flagged)
	}
	return flagged
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
