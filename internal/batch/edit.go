package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/pavelanni/omrgrade/internal/grading"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/reconcile"
)

var (
	// ErrMissingIdentity rejects a commit without a selected student.
	ErrMissingIdentity = errors.New("no student identity selected")
	// ErrStaleRecord means the edited sheet left the stored batch or was
	// changed by another writer. Callers must reload the batch rather than
	// retry the patch.
	ErrStaleRecord = errors.New("record no longer matches the stored batch")
	// ErrRecordNotFound is returned when opening an edit for an unknown sheet.
	ErrRecordNotFound = errors.New("record not found")
	// ErrSessionClosed is returned for any call after Commit or Cancel.
	ErrSessionClosed = errors.New("edit session closed")
)

// State is the lifecycle of an EditSession.
type State int

const (
	StateLoaded State = iota
	StateEditing
	StateSaved
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateEditing:
		return "editing"
	case StateSaved:
		return "saved"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Preview is the immediate feedback after one answer change.
type Preview struct {
	Question int          `json:"question"`
	Status   model.Status `json:"status"`
	Score    int          `json:"score"`
	Total    int          `json:"total"`
}

// Option is a student the operator may assign to the sheet.
type Option struct {
	model.Student
	Current bool `json:"current"`
}

// EditSession corrects the identity and answers of one sheet. It is not
// safe for concurrent use; the commit itself is serialized by the Service.
type EditSession struct {
	svc      *Service
	mode     model.Mode
	key      *model.AnswerKey
	original model.StudentRecord
	working  model.StudentRecord
	state    State
}

// Edit opens an edit session on the sheet recordID. The answer key must
// exist, since statuses and scores mean nothing without it.
func (s *Service) Edit(ctx context.Context, mode model.Mode, recordID string) (*EditSession, error) {
	key, err := s.AnswerKey(ctx, mode)
	if err != nil {
		return nil, err
	}
	records, err := s.store.LoadBatch(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	idx := slices.IndexFunc(records, func(r model.StudentRecord) bool { return r.ID == recordID })
	if idx < 0 {
		return nil, fmt.Errorf("%s: %w", recordID, ErrRecordNotFound)
	}

	rec := records[idx]
	if rec.Answers == nil {
		rec.Answers = make(map[int]model.QuestionAnswer)
	}
	return &EditSession{
		svc:      s,
		mode:     mode,
		key:      key,
		original: rec.Clone(),
		working:  rec.Clone(),
		state:    StateLoaded,
	}, nil
}

// State returns the session state.
func (e *EditSession) State() State {
	return e.state
}

// Record returns a copy of the sheet as currently edited.
func (e *EditSession) Record() model.StudentRecord {
	return e.working.Clone()
}

// Toggle flips one bubble and returns the regraded question and running
// score.
func (e *EditSession) Toggle(question, choice int) (Preview, error) {
	if err := e.editable(); err != nil {
		return Preview{}, err
	}
	if err := checkMark(question, choice); err != nil {
		return Preview{}, err
	}
	current := e.working.Answers[question].Answers
	return e.set(question, current.Toggle(choice)), nil
}

// SetAnswers replaces the marks for one question.
func (e *EditSession) SetAnswers(question int, choices []int) (Preview, error) {
	if err := e.editable(); err != nil {
		return Preview{}, err
	}
	if question < 1 {
		return Preview{}, &grading.ReadingError{Question: question}
	}
	for _, c := range choices {
		if err := checkMark(question, c); err != nil {
			return Preview{}, err
		}
	}
	return e.set(question, model.NewChoices(choices...)), nil
}

func (e *EditSession) set(question int, choices model.Choices) Preview {
	e.state = StateEditing
	e.working.Answers[question] = model.QuestionAnswer{
		Answers:            choices,
		Status:             model.StatusUpdated,
		HasMultipleAnswers: len(choices) > 1,
	}
	return Preview{
		Question: question,
		Status:   grading.GradeQuestion(e.key.Mode, choices, e.key.Entries[question]),
		Score:    grading.Score(e.working.Answers, e.key),
		Total:    e.key.Total(),
	}
}

// Options lists the students that may be assigned to this sheet: roster
// entries not bound to another sheet, with the sheet's current identity
// pinned first.
func (e *EditSession) Options(ctx context.Context) ([]Option, error) {
	if err := e.editable(); err != nil {
		return nil, err
	}
	roster, err := e.svc.roster.Roster(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	records, err := e.svc.store.LoadBatch(ctx, e.mode)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}

	used := make(map[string]bool, len(records))
	for _, r := range records {
		if r.ID != e.original.ID && reconcile.CheckID(r.StudentID) == reconcile.Valid {
			used[strings.TrimSpace(r.StudentID)] = true
		}
	}

	currentID := strings.TrimSpace(e.original.StudentID)
	var current *Option
	if reconcile.CheckID(currentID) == reconcile.Valid {
		current = &Option{Student: model.Student{StudentID: currentID, Name: e.original.StudentName}, Current: true}
	}

	var available []model.Student
	for _, st := range roster {
		id := strings.TrimSpace(st.StudentID)
		if id == "" || used[id] {
			continue
		}
		if current != nil && id == currentID {
			current.Name = st.Name
			continue
		}
		available = append(available, model.Student{StudentID: id, Name: st.Name})
	}
	e.svc.reconciler.SortStudents(available)

	opts := make([]Option, 0, len(available)+1)
	if current != nil {
		opts = append(opts, *current)
	}
	for _, st := range available {
		opts = append(opts, Option{Student: st})
	}
	return opts, nil
}

// Commit assigns identity to the sheet, regrades it against the current
// key and writes it into the freshly loaded batch, then re-runs duplicate
// detection across the batch. If the sheet has disappeared from the batch,
// or someone else changed it since the session opened, nothing is written,
// the session is cancelled and ErrStaleRecord returned.
func (e *EditSession) Commit(ctx context.Context, identity model.Student) (model.StudentRecord, error) {
	if err := e.editable(); err != nil {
		return model.StudentRecord{}, err
	}
	studentID := strings.TrimSpace(identity.StudentID)
	if studentID == "" {
		return model.StudentRecord{}, ErrMissingIdentity
	}

	s := e.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.AnswerKey(ctx, e.mode)
	if err != nil {
		return model.StudentRecord{}, err
	}
	name := e.resolveName(ctx, identity)

	var saved model.StudentRecord
	err = s.store.UpdateBatch(ctx, e.mode, func(records []model.StudentRecord) error {
		idx := slices.IndexFunc(records, func(r model.StudentRecord) bool { return r.ID == e.original.ID })
		if idx < 0 {
			return fmt.Errorf("%s: %w", e.original.ID, ErrStaleRecord)
		}
		if !sameReading(records[idx], e.original) {
			return fmt.Errorf("%s changed since the edit opened: %w", e.original.ID, ErrStaleRecord)
		}

		updated := e.working.Clone()
		updated.ImageRef = records[idx].ImageRef
		updated.StudentID = studentID
		updated.StudentName = name
		if _, err := grading.GradeRecord(&updated, key); err != nil {
			slog.Warn("edited sheet still unscorable", "record_id", updated.ID, "error", err)
		}
		records[idx] = updated
		reconcile.MarkDuplicates(records)
		saved = records[idx].Clone()
		return nil
	})
	if errors.Is(err, ErrStaleRecord) {
		e.state = StateCancelled
		slog.Warn("edited sheet is stale", "record_id", e.original.ID, "mode", e.mode, "error", err)
		return model.StudentRecord{}, err
	}
	if err != nil {
		return model.StudentRecord{}, fmt.Errorf("update batch: %w", err)
	}

	e.key = key
	e.working = saved.Clone()
	e.state = StateSaved
	slog.Info("updated sheet",
		"record_id", saved.ID,
		"mode", e.mode,
		"student_id", studentID,
		"previous_student_id", e.original.StudentID,
		"duplicate", saved.IsDuplicate,
	)
	return saved, nil
}

// sameReading reports whether the stored sheet still carries the identity,
// marks and reading error the session started from. Statuses, scores and
// duplicate flags are derived and may change under other edits.
func sameReading(stored, original model.StudentRecord) bool {
	if stored.StudentID != original.StudentID ||
		stored.StudentName != original.StudentName ||
		stored.ReadingError != original.ReadingError {
		return false
	}
	marked := func(answers map[int]model.QuestionAnswer) map[int]model.Choices {
		out := make(map[int]model.Choices, len(answers))
		for q, a := range answers {
			if len(a.Answers) > 0 {
				out[q] = a.Answers
			}
		}
		return out
	}
	a, b := marked(stored.Answers), marked(original.Answers)
	if len(a) != len(b) {
		return false
	}
	for q, choices := range a {
		if !choices.Equal(b[q]) {
			return false
		}
	}
	return true
}

// Cancel discards unsaved edits. The stored batch is untouched.
func (e *EditSession) Cancel() {
	if e.state == StateLoaded || e.state == StateEditing {
		e.working = e.original.Clone()
		e.state = StateCancelled
	}
}

// resolveName prefers the supplied name, then the roster, then whatever
// the sheet already carried.
func (e *EditSession) resolveName(ctx context.Context, identity model.Student) string {
	if reconcile.CheckName(identity.Name) == reconcile.Valid {
		return strings.TrimSpace(identity.Name)
	}
	roster, err := e.svc.roster.Roster(ctx)
	if err != nil {
		slog.Warn("roster lookup failed", "error", err)
	} else {
		for _, st := range roster {
			if strings.TrimSpace(st.StudentID) == strings.TrimSpace(identity.StudentID) {
				return st.Name
			}
		}
	}
	if strings.TrimSpace(identity.StudentID) == strings.TrimSpace(e.original.StudentID) {
		return e.original.StudentName
	}
	return reconcile.NameNotInRoster
}

func (e *EditSession) editable() error {
	if e.state == StateSaved || e.state == StateCancelled {
		return ErrSessionClosed
	}
	return nil
}

func checkMark(question, choice int) error {
	if question < 1 || choice < model.MinChoice || choice > model.MaxChoice {
		return &grading.ReadingError{Question: question, Choice: choice}
	}
	return nil
}

// ApplyEdit runs a whole edit in one call: replace the listed questions'
// marks and commit the identity.
func (s *Service) ApplyEdit(ctx context.Context, mode model.Mode, recordID string, req model.EditRequest) (model.StudentRecord, error) {
	sess, err := s.Edit(ctx, mode, recordID)
	if err != nil {
		return model.StudentRecord{}, err
	}
	questions := make([]int, 0, len(req.Answers))
	for q := range req.Answers {
		questions = append(questions, q)
	}
	slices.Sort(questions)
	for _, q := range questions {
		if _, err := sess.SetAnswers(q, req.Answers[q]); err != nil {
			sess.Cancel()
			return model.StudentRecord{}, err
		}
	}
	return sess.Commit(ctx, model.Student{StudentID: req.StudentID, Name: req.StudentName})
}
