package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "AppTitle"); got != "OMR Grader" {
		t.Errorf("T(AppTitle) = %q, want 'OMR Grader'", got)
	}
	if got := T(ctx, "ErrMissingIdentity"); got != "Select a student before saving." {
		t.Errorf("T(ErrMissingIdentity) = %q", got)
	}
}

func TestTranslateThai(t *testing.T) {
	ctx := initLang(t, "th")

	if got := T(ctx, "ErrMissingIdentity"); got != "กรุณาเลือกนักศึกษาก่อนบันทึก" {
		t.Errorf("T(ErrMissingIdentity) = %q", got)
	}
	if got := Tp(ctx, "SheetsGraded", 3); got != "ตรวจแล้ว 3 แผ่น" {
		t.Errorf("Tp(SheetsGraded, 3) = %q", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "SheetsGraded", 1); got != "1 sheet graded." {
		t.Errorf("Tp(SheetsGraded, 1) = %q, want '1 sheet graded.'", got)
	}
	if got := Tp(ctx, "SheetsGraded", 5); got != "5 sheets graded." {
		t.Errorf("Tp(SheetsGraded, 5) = %q, want '5 sheets graded.'", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ErrInvalidReading", map[string]any{"Question": 7, "Choice": 9})
	if got != "Question 7 has an invalid mark (9)." {
		t.Errorf("Td(ErrInvalidReading) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewareAcceptLanguage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "BatchCleared")
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "default", want: "Results cleared."},
		{name: "thai header", header: "th-TH,th;q=0.9,en;q=0.5", want: "ล้างผลลัพธ์แล้ว"},
		{name: "query wins", header: "th", query: "?lang=en", want: "Results cleared."},
		{name: "unsupported falls back", header: "fr", want: "Results cleared."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
