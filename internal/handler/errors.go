package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/omrgrade/internal/batch"
	"github.com/pavelanni/omrgrade/internal/grading"
	appI18n "github.com/pavelanni/omrgrade/internal/i18n"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/store"
)

// Error kinds returned in the "kind" field of an error response.
const (
	KindMissingAnswerKey = "missing_answer_key"
	KindMissingIdentity  = "missing_identity"
	KindStaleRecord      = "stale_record"
	KindInvalidReading   = "invalid_reading"
	KindInvalidMode      = "invalid_mode"
	KindRecordNotFound   = "record_not_found"
	KindStudentNotFound  = "student_not_found"
	KindBadRequest       = "bad_request"
	KindUnauthorized     = "unauthorized"
	KindInternal         = "internal"
)

type errorResponse struct {
	Kind  string             `json:"kind"`
	Error string             `json:"error"`
	Batch *model.BatchResult `json:"batch,omitempty"`
}

// badRequestError marks a client error in the request itself (unreadable
// body, malformed CSV or JSON).
type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &badRequestError{err: err} }

type invalidModeError struct{ mode string }

func (e *invalidModeError) Error() string { return "invalid mode " + e.mode }

var errUnauthorized = errors.New("unauthorized")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps err onto a status code, a stable kind and a message
// localized for the request.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithBatch(w, r, err, nil)
}

func writeErrorWithBatch(w http.ResponseWriter, r *http.Request, err error, b *model.BatchResult) {
	ctx := r.Context()
	resp := errorResponse{Batch: b}
	status := http.StatusBadRequest

	var (
		re  *grading.ReadingError
		bad *badRequestError
		im  *invalidModeError
	)
	switch {
	case errors.Is(err, grading.ErrMissingAnswerKey):
		resp.Kind = KindMissingAnswerKey
		resp.Error = appI18n.Td(ctx, "ErrMissingAnswerKey", map[string]any{"Mode": modeFromCtx(ctx)})
	case errors.Is(err, batch.ErrMissingIdentity):
		resp.Kind = KindMissingIdentity
		resp.Error = appI18n.T(ctx, "ErrMissingIdentity")
	case errors.Is(err, batch.ErrStaleRecord):
		status = http.StatusConflict
		resp.Kind = KindStaleRecord
		resp.Error = appI18n.T(ctx, "ErrStaleRecord")
	case errors.Is(err, batch.ErrRecordNotFound):
		status = http.StatusNotFound
		resp.Kind = KindRecordNotFound
		resp.Error = appI18n.Td(ctx, "ErrRecordNotFound", map[string]any{"RecordID": recordIDParam(r)})
	case errors.Is(err, store.ErrStudentNotFound):
		status = http.StatusNotFound
		resp.Kind = KindStudentNotFound
		resp.Error = appI18n.Td(ctx, "ErrStudentNotFound", map[string]any{"StudentID": chi.URLParam(r, "studentID")})
	case errors.As(err, &re):
		resp.Kind = KindInvalidReading
		resp.Error = appI18n.Td(ctx, "ErrInvalidReading", map[string]any{"Question": re.Question, "Choice": re.Choice})
	case errors.As(err, &im):
		resp.Kind = KindInvalidMode
		resp.Error = appI18n.Td(ctx, "ErrInvalidMode", map[string]any{"Mode": im.mode})
	case errors.As(err, &bad):
		resp.Kind = KindBadRequest
		resp.Error = appI18n.Td(ctx, "ErrBadRequest", map[string]any{"Detail": bad.Error()})
	case errors.Is(err, errUnauthorized):
		status = http.StatusUnauthorized
		resp.Kind = KindUnauthorized
		resp.Error = appI18n.T(ctx, "ErrUnauthorized")
	default:
		status = http.StatusInternalServerError
		resp.Kind = KindInternal
		resp.Error = appI18n.T(ctx, "ErrInternal")
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "kind", resp.Kind, "error", err)
	}
	writeJSON(w, status, resp)
}
