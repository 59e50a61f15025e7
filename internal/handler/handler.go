// Package handler exposes the grading service as a JSON HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/omrgrade/internal/batch"
	"github.com/pavelanni/omrgrade/internal/grading"
	appI18n "github.com/pavelanni/omrgrade/internal/i18n"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/sheetio"
	"github.com/pavelanni/omrgrade/internal/store"
)

// maxUploadBytes bounds key, roster and readings uploads.
const maxUploadBytes = 16 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store *store.Store
	svc   *batch.Service
}

// New creates a new Handler.
func New(s *store.Store, svc *batch.Service) *Handler {
	return &Handler{store: s, svc: svc}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/roster", h.handleGetRoster)
		r.Get("/roster/{studentID}", h.handleGetStudent)
		r.With(h.requireOperator).Put("/roster", h.handlePutRoster)

		r.Route("/{mode}", func(r chi.Router) {
			r.Use(withMode)
			r.Get("/key", h.handleGetKey)
			r.Get("/results", h.handleResults)
			r.Get("/records/{recordID}/students", h.handleStudents)
			r.Get("/export", h.handleExport)

			r.Group(func(r chi.Router) {
				r.Use(h.requireOperator)
				r.Put("/key", h.handlePutKey)
				r.Delete("/key", h.handleDeleteKey)
				r.Post("/grade", h.handleGrade)
				r.Delete("/results", h.handleClear)
				r.Post("/records/{recordID}", h.handleEdit)
			})
		})
	})
}

type modeKey struct{}

func withMode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "mode")
		mode, err := model.ParseMode(raw)
		if err != nil {
			writeError(w, r, &invalidModeError{mode: raw})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), modeKey{}, mode)))
	})
}

func modeFromCtx(ctx context.Context) model.Mode {
	mode, _ := ctx.Value(modeKey{}).(model.Mode)
	return mode
}

func recordIDParam(r *http.Request) string {
	return chi.URLParam(r, "recordID")
}

type messageResponse struct {
	Message string `json:"message"`
}

type gradeResponse struct {
	model.BatchResult
	Message string `json:"message"`
}

type studentsResponse struct {
	Record   model.StudentRecord `json:"record"`
	Students []batch.Option      `json:"students"`
}

type rosterResponse struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

type modeStatus struct {
	HasAnswerKey bool       `json:"has_answer_key"`
	Questions    int        `json:"questions"`
	Sheets       int        `json:"sheets"`
	LastGraded   *time.Time `json:"last_graded,omitempty"`
}

type statusResponse struct {
	Title          string                    `json:"title"`
	RosterStudents int                       `json:"roster_students"`
	Modes          map[model.Mode]modeStatus `json:"modes"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	students, err := h.store.RosterCount(ctx)
	if err != nil {
		writeError(w, r, fmt.Errorf("count roster: %w", err))
		return
	}
	resp := statusResponse{
		Title:          appI18n.T(ctx, "AppTitle"),
		RosterStudents: students,
		Modes:          make(map[model.Mode]modeStatus, len(model.Modes)),
	}
	for _, mode := range model.Modes {
		var st modeStatus
		key, err := h.store.AnswerKey(ctx, mode)
		switch {
		case err == nil:
			st.HasAnswerKey = true
			st.Questions = key.Total()
		case !errors.Is(err, grading.ErrMissingAnswerKey):
			writeError(w, r, err)
			return
		}
		if st.Sheets, err = h.store.BatchSize(ctx, mode); err != nil {
			writeError(w, r, fmt.Errorf("count %s sheets: %w", mode, err))
			return
		}
		at, err := h.store.LastGraded(mode)
		if err != nil {
			slog.Warn("unreadable last graded time", "mode", mode, "error", err)
		} else if !at.IsZero() {
			st.LastGraded = &at
		}
		resp.Modes[mode] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetRoster(w http.ResponseWriter, r *http.Request) {
	students, err := h.store.Roster(r.Context())
	if err != nil {
		writeError(w, r, fmt.Errorf("load roster: %w", err))
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		if students == nil {
			students = []model.Student{}
		}
		writeJSON(w, http.StatusOK, students)
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="student_list.csv"`)
		if err := sheetio.WriteRoster(w, students); err != nil {
			slog.Error("write roster csv", "error", err)
		}
	default:
		writeError(w, r, badRequest(fmt.Errorf("unknown format %q", format)))
	}
}

func (h *Handler) handleGetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Student(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	mode := modeFromCtx(r.Context())
	key, err := h.store.AnswerKey(r.Context(), mode)
	if errors.Is(err, grading.ErrMissingAnswerKey) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Kind:  KindMissingAnswerKey,
			Error: appI18n.Td(r.Context(), "ErrMissingAnswerKey", map[string]any{"Mode": mode}),
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, key)
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="answer_key_%s.csv"`, mode))
		if err := sheetio.FormatAnswerKey(w, key); err != nil {
			slog.Error("write answer key csv", "mode", mode, "error", err)
		}
	default:
		writeError(w, r, badRequest(fmt.Errorf("unknown format %q", format)))
	}
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	mode := modeFromCtx(r.Context())
	if err := h.store.DeleteAnswerKey(r.Context(), mode); err != nil {
		writeError(w, r, fmt.Errorf("delete answer key: %w", err))
		return
	}
	slog.Info("answer key removed", "mode", mode)
	writeJSON(w, http.StatusOK, messageResponse{Message: appI18n.T(r.Context(), "AnswerKeyDeleted")})
}

func (h *Handler) handlePutKey(w http.ResponseWriter, r *http.Request) {
	mode := modeFromCtx(r.Context())
	key, err := sheetio.ParseAnswerKey(http.MaxBytesReader(w, r.Body, maxUploadBytes), mode)
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	if err := h.store.PutAnswerKey(r.Context(), *key); err != nil {
		writeError(w, r, fmt.Errorf("save answer key: %w", err))
		return
	}
	slog.Info("answer key replaced", "mode", mode, "questions", key.Total())
	writeJSON(w, http.StatusOK, key)
}

func (h *Handler) handlePutRoster(w http.ResponseWriter, r *http.Request) {
	students, err := sheetio.ParseRoster(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	if err := h.store.ReplaceRoster(r.Context(), students); err != nil {
		writeError(w, r, fmt.Errorf("save roster: %w", err))
		return
	}
	slog.Info("roster replaced", "students", len(students))
	writeJSON(w, http.StatusOK, rosterResponse{
		Count:   len(students),
		Message: appI18n.Tp(r.Context(), "StudentsImported", len(students)),
	})
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	readings, err := sheetio.ParseReadings(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}
	res, err := h.svc.Grade(r.Context(), modeFromCtx(r.Context()), readings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gradeResponse{
		BatchResult: res,
		Message:     appI18n.Tp(r.Context(), "SheetsGraded", len(readings)),
	})
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Results(r.Context(), modeFromCtx(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Clear(r.Context(), modeFromCtx(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: appI18n.T(r.Context(), "BatchCleared")})
}

func (h *Handler) handleStudents(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Edit(r.Context(), modeFromCtx(r.Context()), recordIDParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sess.Cancel()

	opts, err := sess.Options(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentsResponse{Record: sess.Record(), Students: opts})
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mode := modeFromCtx(ctx)

	var req model.EditRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, r, badRequest(err))
		return
	}

	rec, err := h.svc.ApplyEdit(ctx, mode, recordIDParam(r), req)
	if errors.Is(err, batch.ErrRecordNotFound) {
		// The sheet was in the caller's view, so its view is out of date.
		err = fmt.Errorf("%w: %w", batch.ErrStaleRecord, err)
	}
	if errors.Is(err, batch.ErrStaleRecord) {
		res, rerr := h.svc.Results(ctx, mode)
		if rerr != nil {
			writeError(w, r, rerr)
			return
		}
		writeErrorWithBatch(w, r, err, &res)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mode := modeFromCtx(ctx)

	res, err := h.svc.Results(ctx, mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := h.svc.AnswerKey(ctx, mode)
	if err != nil && !errors.Is(err, grading.ErrMissingAnswerKey) {
		writeError(w, r, err)
		return
	}
	exp := sheetio.BuildExport(res, key, time.Now())

	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="results_%s.csv"`, mode))
		if err := sheetio.WriteCSV(w, exp); err != nil {
			slog.Error("write csv export", "mode", mode, "error", err)
		}
	case "json":
		writeJSON(w, http.StatusOK, exp)
	default:
		writeError(w, r, badRequest(fmt.Errorf("unknown format %q", format)))
	}
}
