// Package batch grades scanned sheets as a batch, serves classified results
// and runs operator edit sessions against the stored batch.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/omrgrade/internal/grading"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/reconcile"
)

// KeyProvider supplies answer keys. It returns an error wrapping
// grading.ErrMissingAnswerKey when no key exists for mode.
type KeyProvider interface {
	AnswerKey(ctx context.Context, mode model.Mode) (*model.AnswerKey, error)
}

// RosterProvider supplies the class roster.
type RosterProvider interface {
	Roster(ctx context.Context) ([]model.Student, error)
}

// Store is the source of truth for graded batches.
type Store interface {
	LoadBatch(ctx context.Context, mode model.Mode) ([]model.StudentRecord, error)
	SaveBatch(ctx context.Context, mode model.Mode, records []model.StudentRecord) error
	// UpdateBatch loads, patches and saves the batch for mode as one
	// atomic step. It writes nothing when fn fails.
	UpdateBatch(ctx context.Context, mode model.Mode, fn func(records []model.StudentRecord) error) error
	ClearBatch(ctx context.Context, mode model.Mode) error
}

// gradeMarker is implemented by stores that keep a last-graded timestamp.
type gradeMarker interface {
	MarkGraded(mode model.Mode, at time.Time) error
}

// Service ties the grader and reconciler to the external collaborators.
// Writes to a batch are serialized; every write reloads the stored batch
// before patching it.
type Service struct {
	keys       KeyProvider
	roster     RosterProvider
	store      Store
	reconciler *reconcile.Reconciler

	mu sync.Mutex
}

// New creates a Service.
func New(keys KeyProvider, roster RosterProvider, store Store, r *reconcile.Reconciler) *Service {
	return &Service{keys: keys, roster: roster, store: store, reconciler: r}
}

// AnswerKey fetches the current key for mode.
func (s *Service) AnswerKey(ctx context.Context, mode model.Mode) (*model.AnswerKey, error) {
	key, err := s.keys.AnswerKey(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}
	return key, nil
}

// Grade scores readings against the key for mode, replaces the stored
// batch and returns the classified result. A missing key aborts the whole
// batch; a malformed reading only marks its own sheet unscorable.
func (s *Service) Grade(ctx context.Context, mode model.Mode, readings []model.ReadingImport) (model.BatchResult, error) {
	key, err := s.AnswerKey(ctx, mode)
	if err != nil {
		return model.BatchResult{}, err
	}
	names, err := s.rosterNames(ctx)
	if err != nil {
		return model.BatchResult{}, err
	}

	records := make([]model.StudentRecord, 0, len(readings))
	ids := make(map[string]bool, len(readings))
	for _, r := range readings {
		rec := recordFromReading(r, names)
		if ids[rec.ID] {
			slog.Warn("duplicate sheet id in readings, assigning a new one", "record_id", rec.ID)
			rec.ID = uuid.NewString()
		}
		ids[rec.ID] = true
		records = append(records, rec)
	}
	if err := grading.GradeBatch(records, key); err != nil {
		return model.BatchResult{}, err
	}
	for i, r := range readings {
		if r.DecodeError != "" {
			slog.Warn("unreadable marks on sheet", "record_id", records[i].ID, "error", r.DecodeError)
			grading.MarkUnscorable(&records[i], r.DecodeError)
		}
	}
	if n := reconcile.MarkDuplicates(records); n > 0 {
		slog.Warn("duplicate student ids in batch", "mode", mode, "records", n)
	}

	s.mu.Lock()
	err = s.store.SaveBatch(ctx, mode, records)
	s.mu.Unlock()
	if err != nil {
		return model.BatchResult{}, fmt.Errorf("save batch: %w", err)
	}
	if m, ok := s.store.(gradeMarker); ok {
		if err := m.MarkGraded(mode, time.Now()); err != nil {
			slog.Warn("failed to record grading time", "mode", mode, "error", err)
		}
	}

	res := s.reconciler.Classify(records, mode)
	slog.Info("graded batch",
		"mode", mode,
		"sheets", len(records),
		"questions", key.Total(),
		"matched", res.Stats.MatchedCount,
		"unmatched", res.Stats.UnmatchedCount,
	)
	return res, nil
}

// Results loads the stored batch for mode and classifies it.
func (s *Service) Results(ctx context.Context, mode model.Mode) (model.BatchResult, error) {
	records, err := s.store.LoadBatch(ctx, mode)
	if err != nil {
		return model.BatchResult{}, fmt.Errorf("load batch: %w", err)
	}
	return s.reconciler.Classify(records, mode), nil
}

// Clear discards the stored batch for mode.
func (s *Service) Clear(ctx context.Context, mode model.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ClearBatch(ctx, mode); err != nil {
		return fmt.Errorf("clear batch: %w", err)
	}
	slog.Info("cleared batch", "mode", mode)
	return nil
}

func (s *Service) rosterNames(ctx context.Context) (map[string]string, error) {
	students, err := s.roster.Roster(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	names := make(map[string]string, len(students))
	for _, st := range students {
		names[strings.TrimSpace(st.StudentID)] = st.Name
	}
	return names, nil
}

func recordFromReading(r model.ReadingImport, names map[string]string) model.StudentRecord {
	rec := model.StudentRecord{
		ID:          r.ID,
		StudentID:   strings.TrimSpace(r.StudentID),
		StudentName: strings.TrimSpace(r.StudentName),
		ImageRef:    r.ImageRef,
		Answers:     make(map[int]model.QuestionAnswer, len(r.Answers)),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	for q, marks := range r.Answers {
		rec.Answers[q] = model.QuestionAnswer{Answers: model.NewChoices(marks...)}
	}

	if rec.StudentName == "" && reconcile.CheckID(rec.StudentID) == reconcile.Valid {
		if name, ok := names[rec.StudentID]; ok {
			rec.StudentName = name
		} else {
			rec.StudentName = reconcile.NameNotFound
		}
	}
	return rec
}
