package draft

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(method, body string, f *fixture) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(f.visitID.String())
	return c, rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T %v", err, err)
	}
	return he.Code
}

func TestHandler_GetDraftNotFound(t *testing.T) {
	f := newFixture(t, day(2024, 1, 16))
	c, _ := newContext(http.MethodGet, "", f)
	if code := httpStatus(t, NewHandler(f.sync).GetDraft(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_SaveThenAutoSave(t *testing.T) {
	f := newFixture(t, day(2024, 1, 16))
	h := NewHandler(f.sync)

	c, rec := newContext(http.MethodPut, `{"form_data":{"vas":{"right":{"comfort":50}}}}`, f)
	if err := h.SaveDraft(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Fatalf("unexpected ETag %q", etag)
	}

	c, _ = newContext(http.MethodPatch, `{"form_data":{"vas":{"left":{"comfort":55}}}}`, f)
	if code := httpStatus(t, h.AutoSave(c)); code != http.StatusPreconditionRequired {
		t.Errorf("expected 428 without If-Match, got %d", code)
	}

	c, rec = newContext(http.MethodPatch, `{"form_data":{"vas":{"left":{"comfort":55}}}}`, f)
	c.Request().Header.Set("If-Match", `W/"1"`)
	if err := h.AutoSave(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != `W/"2"` {
		t.Errorf("expected 200 with version 2, got %d %q", rec.Code, rec.Header().Get("ETag"))
	}

	c, rec = newContext(http.MethodPatch, `{"form_data":{"vas":{"left":{"comfort":1}}}}`, f)
	c.Request().Header.Set("If-Match", `W/"1"`)
	if err := h.AutoSave(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var res AutoSaveResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Conflict || res.Draft == nil || res.Draft.Version != 2 {
		t.Errorf("expected latest draft in conflict body, got %+v", res)
	}
}

func TestHandler_SubmitPartialFailure(t *testing.T) {
	f := newFixture(t, day(2024, 1, 16))
	f.slit.fail = true
	body := `{"conducted_by":"examiner-1","form_data":{
		"basic_info":{"right":{"wears_lenses":true}},
		"slit_lamp":{"right":{"grade":1},"left":{"grade":1}}}}`

	c, rec := newContext(http.MethodPost, body, f)
	if err := NewHandler(f.sync).Submit(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var out submitFailure
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.SavedExaminations) != 1 || out.SavedExaminations[0] != "basic_info" || out.FailedExaminations[0] != "slit_lamp" {
		t.Errorf("unexpected failure body %+v", out)
	}
}

func TestHandler_SubmitSuccess(t *testing.T) {
	f := newFixture(t, day(2024, 1, 16))
	body := `{"conducted_by":"examiner-1","form_data":{
		"basic_info":{"right":{"wears_lenses":true}},
		"vas":{"right":{"comfort":80},"left":{"comfort":70}}}}`

	c, rec := newContext(http.MethodPost, body, f)
	if err := NewHandler(f.sync).Submit(c); err != nil {
		t.Fatal(err)
	}
	var res SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Visit == nil || res.Visit.CompletionPercentage != 67 {
		t.Errorf("unexpected result %+v", res)
	}
}
