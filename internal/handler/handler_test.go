package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/omrgrade/internal/batch"
	appI18n "github.com/pavelanni/omrgrade/internal/i18n"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/reconcile"
	"github.com/pavelanni/omrgrade/internal/store"
)

const testPassword = "secret"

type testServer struct {
	t      *testing.T
	router http.Handler
	store  *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if err := s.SetOperatorPasswordHash(string(hash)); err != nil {
		t.Fatalf("SetOperatorPasswordHash: %v", err)
	}

	svc := batch.New(s, s, s, reconcile.New(reconcile.DefaultCollation))
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(s, svc).Routes(r)
	return &testServer{t: t, router: r, store: s}
}

func (ts *testServer) do(method, path, body string, operator bool, header ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if operator {
		req.SetBasicAuth(OperatorUser, testPassword)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) errorResponse {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	resp := decode[errorResponse](t, rec)
	if resp.Kind != kind {
		t.Errorf("kind = %q, want %q", resp.Kind, kind)
	}
	if resp.Error == "" {
		t.Error("expected a message")
	}
	return resp
}

// seed loads a single-mode key, a roster and a graded batch.
func (ts *testServer) seed() model.BatchResult {
	ts.t.Helper()
	if rec := ts.do(http.MethodPut, "/api/single/key", "1,1\n2,2\n3,3\n", true); rec.Code != http.StatusOK {
		ts.t.Fatalf("put key: %d %s", rec.Code, rec.Body.String())
	}
	roster := "student_id,name\n6501,Anan Srisuk\n6502,Busaba Kaew\n6510,Dara Phet\n"
	if rec := ts.do(http.MethodPut, "/api/roster", roster, true); rec.Code != http.StatusOK {
		ts.t.Fatalf("put roster: %d %s", rec.Code, rec.Body.String())
	}
	readings := `[
		{"id": "s1", "student_id": "6502", "answers": {"1": [1], "2": [2], "3": [3]}},
		{"id": "s2", "student_id": "6501", "answers": {"1": [1]}},
		{"id": "s3", "student_id": "65-1", "answers": {"1": [2]}}
	]`
	rec := ts.do(http.MethodPost, "/api/single/grade", readings, true)
	if rec.Code != http.StatusOK {
		ts.t.Fatalf("grade: %d %s", rec.Code, rec.Body.String())
	}
	return decode[model.BatchResult](ts.t, rec)
}

func TestAnswerKeyEndpoints(t *testing.T) {
	ts := newTestServer(t)

	expectError(t, ts.do(http.MethodGet, "/api/multi/key", "", false), http.StatusNotFound, KindMissingAnswerKey)

	rec := ts.do(http.MethodPut, "/api/multi/key", "1,1&2\n2,4\n", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put key: %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/multi/key", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("get key: %d", rec.Code)
	}
	key := decode[model.AnswerKey](t, rec)
	if key.Mode != model.ModeMulti || key.Entries[1].String() != "1&2" {
		t.Errorf("key = %+v", key)
	}

	expectError(t, ts.do(http.MethodPut, "/api/single/key", "1,1&2\n", true), http.StatusBadRequest, KindBadRequest)
}

func TestAnswerKeyDownloadAndDelete(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPut, "/api/multi/key", "question,answer\n2,4\n1,2&1\n", true)

	rec := ts.do(http.MethodGet, "/api/multi/key?format=csv", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("csv key: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "1,1&2\n2,4\n" {
		t.Errorf("csv key = %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "answer_key_multi.csv") {
		t.Errorf("content disposition = %q", cd)
	}
	expectError(t, ts.do(http.MethodGet, "/api/multi/key?format=xml", "", false), http.StatusBadRequest, KindBadRequest)

	expectError(t, ts.do(http.MethodDelete, "/api/multi/key", "", false), http.StatusUnauthorized, KindUnauthorized)
	if rec := ts.do(http.MethodDelete, "/api/multi/key", "", true); rec.Code != http.StatusOK {
		t.Fatalf("delete key: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, ts.do(http.MethodGet, "/api/multi/key", "", false), http.StatusNotFound, KindMissingAnswerKey)
}

func TestRosterEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/roster", "", false)
	if got := decode[[]model.Student](t, rec); len(got) != 0 {
		t.Errorf("empty roster = %+v", got)
	}

	ts.do(http.MethodPut, "/api/roster", "student_id,name\n6502,Busaba Kaew\n6501,อนันต์ ศรีสุข\n", true)

	students := decode[[]model.Student](t, ts.do(http.MethodGet, "/api/roster", "", false))
	if len(students) != 2 || students[0].StudentID != "6501" {
		t.Errorf("roster = %+v", students)
	}

	rec = ts.do(http.MethodGet, "/api/roster?format=csv", "", false)
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\xef\xbb\xbfstudent_id,name\n6501,อนันต์ ศรีสุข\n")) {
		t.Errorf("roster csv = %q", rec.Body.String())
	}

	st := decode[model.Student](t, ts.do(http.MethodGet, "/api/roster/6502", "", false))
	if st.Name != "Busaba Kaew" {
		t.Errorf("student = %+v", st)
	}
	resp := expectError(t, ts.do(http.MethodGet, "/api/roster/9999", "", false), http.StatusNotFound, KindStudentNotFound)
	if !strings.Contains(resp.Error, "9999") {
		t.Errorf("message = %q", resp.Error)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	st := decode[statusResponse](t, ts.do(http.MethodGet, "/api/status", "", false))
	if st.Title != "OMR Grader" || st.RosterStudents != 0 || st.Modes[model.ModeSingle].HasAnswerKey {
		t.Errorf("empty status = %+v", st)
	}

	ts.seed()
	st = decode[statusResponse](t, ts.do(http.MethodGet, "/api/status", "", false))
	single := st.Modes[model.ModeSingle]
	if !single.HasAnswerKey || single.Questions != 3 || single.Sheets != 3 || single.LastGraded == nil {
		t.Errorf("single status = %+v", single)
	}
	if multi := st.Modes[model.ModeMulti]; multi.HasAnswerKey || multi.Sheets != 0 || multi.LastGraded != nil {
		t.Errorf("multi status = %+v", multi)
	}
	if st.RosterStudents != 3 {
		t.Errorf("roster students = %d", st.RosterStudents)
	}
}

func TestOperatorAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPut, "/api/single/key", "1,1\n", false)
	expectError(t, rec, http.StatusUnauthorized, KindUnauthorized)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate challenge")
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/single/results", nil)
	req.SetBasicAuth(OperatorUser, "wrong")
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusUnauthorized, KindUnauthorized)

	// Reads stay open.
	if rec := ts.do(http.MethodGet, "/api/single/results", "", false); rec.Code != http.StatusOK {
		t.Errorf("results status = %d", rec.Code)
	}
}

func TestInvalidMode(t *testing.T) {
	ts := newTestServer(t)
	resp := expectError(t, ts.do(http.MethodGet, "/api/triple/results", "", false), http.StatusBadRequest, KindInvalidMode)
	if !strings.Contains(resp.Error, "triple") {
		t.Errorf("message = %q", resp.Error)
	}
}

func TestGradeEndpoint(t *testing.T) {
	ts := newTestServer(t)

	expectError(t, ts.do(http.MethodPost, "/api/single/grade", `[{"student_id": "1", "answers": {}}]`, true),
		http.StatusBadRequest, KindMissingAnswerKey)
	expectError(t, ts.do(http.MethodPost, "/api/single/grade", `{"oops"`, true), http.StatusBadRequest, KindBadRequest)

	res := ts.seed()
	if res.Stats.MatchedCount != 2 || res.Stats.UnmatchedCount != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
	if res.Matched[0].StudentID != "6501" || res.Matched[0].StudentName != "Anan Srisuk" {
		t.Errorf("first matched = %+v", res.Matched[0])
	}

	rec := ts.do(http.MethodGet, "/api/single/results", "", false)
	got := decode[model.BatchResult](t, rec)
	if got.Stats != res.Stats {
		t.Errorf("stored stats = %+v, want %+v", got.Stats, res.Stats)
	}
}

func TestGradeMessageIsLocalized(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPut, "/api/single/key", "1,1\n", true)

	rec := ts.do(http.MethodPost, "/api/single/grade", `[{"student_id": "6501", "answers": {"1": [1]}}]`, true,
		"Accept-Language", "th")
	resp := decode[gradeResponse](t, rec)
	if resp.Message != "ตรวจแล้ว 1 แผ่น" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestStudentsAndEdit(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	rec := ts.do(http.MethodGet, "/api/single/records/s3/students", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("students: %d %s", rec.Code, rec.Body.String())
	}
	opts := decode[studentsResponse](t, rec)
	if opts.Record.ID != "s3" || len(opts.Students) != 1 || opts.Students[0].StudentID != "6510" {
		t.Errorf("students = %+v", opts)
	}

	expectError(t, ts.do(http.MethodPost, "/api/single/records/s3", `{"student_id": ""}`, true),
		http.StatusBadRequest, KindMissingIdentity)
	expectError(t, ts.do(http.MethodPost, "/api/single/records/s3", `{"student_id": "6510", "answers": {"1": [7]}}`, true),
		http.StatusBadRequest, KindInvalidReading)

	rec = ts.do(http.MethodPost, "/api/single/records/s3", `{"student_id": "6510", "answers": {"1": [1], "2": [2]}}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: %d %s", rec.Code, rec.Body.String())
	}
	updated := decode[model.StudentRecord](t, rec)
	if updated.StudentName != "Dara Phet" || *updated.Score != 2 || updated.Total != 3 {
		t.Errorf("updated = %+v", updated)
	}

	res := decode[model.BatchResult](t, ts.do(http.MethodGet, "/api/single/results", "", false))
	if res.Stats.UnmatchedCount != 0 || res.Stats.MatchedCount != 3 {
		t.Errorf("stats after edit = %+v", res.Stats)
	}
}

func TestEditStaleRecord(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	rec := ts.do(http.MethodPost, "/api/single/records/gone", `{"student_id": "6510"}`, true)
	resp := expectError(t, rec, http.StatusConflict, KindStaleRecord)
	if resp.Batch == nil || resp.Batch.Stats.MatchedCount != 2 {
		t.Errorf("expected reloaded batch, got %+v", resp.Batch)
	}

	expectError(t, ts.do(http.MethodGet, "/api/single/records/gone/students", "", false),
		http.StatusNotFound, KindRecordNotFound)
}

func TestExport(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	rec := ts.do(http.MethodGet, "/api/single/export", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if !bytes.HasPrefix(body, []byte("\xef\xbb\xbfstudent_id,student_name,q1,q1_status")) {
		t.Errorf("csv starts %q", body[:min(len(body), 60)])
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[3], "65-1,") {
		t.Errorf("csv rows = %q", lines)
	}

	exp := decode[model.ResultExport](t, ts.do(http.MethodGet, "/api/single/export?format=json", "", false))
	if len(exp.Questions) != 3 || len(exp.Rows) != 3 {
		t.Errorf("json export = %+v", exp)
	}

	expectError(t, ts.do(http.MethodGet, "/api/single/export?format=xml", "", false), http.StatusBadRequest, KindBadRequest)
}

func TestClearResults(t *testing.T) {
	ts := newTestServer(t)
	ts.seed()

	if rec := ts.do(http.MethodDelete, "/api/single/results", "", true); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	res := decode[model.BatchResult](t, ts.do(http.MethodGet, "/api/single/results", "", false))
	if !res.Stats.NoData {
		t.Errorf("expected no data after clear, got %+v", res.Stats)
	}

	if _, err := ts.store.AnswerKey(context.Background(), model.ModeSingle); err != nil {
		t.Errorf("clearing results must keep the key: %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
	hash, err := HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")) != nil {
		t.Error("hash does not verify")
	}
}
