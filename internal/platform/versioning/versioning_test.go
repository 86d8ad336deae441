package versioning

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"12"`, 12, false},
		{` 7 `, 7, false},
		{`W/"abc"`, 0, true},
		{`"-1"`, 0, true},
		{``, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseETag(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseETag(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseETag(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatETag_RoundTrip(t *testing.T) {
	v, err := ParseETag(FormatETag(42))
	if err != nil || v != 42 {
		t.Errorf("expected 42, got %d (%v)", v, err)
	}
}

func newContext(header, value string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestIfMatch(t *testing.T) {
	c, _ := newContext("", "")
	if _, ok, err := IfMatch(c); ok || err != nil {
		t.Errorf("expected absent header, got ok=%v err=%v", ok, err)
	}

	c, _ = newContext("If-Match", `W/"5"`)
	v, ok, err := IfMatch(c)
	if err != nil || !ok || v != 5 {
		t.Errorf("expected version 5, got %d ok=%v err=%v", v, ok, err)
	}

	c, _ = newContext("If-Match", "garbage")
	_, _, err = IfMatch(c)
	he, isHTTP := err.(*echo.HTTPError)
	if !isHTTP || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestNotModified(t *testing.T) {
	c, _ := newContext("If-None-Match", `W/"2"`)
	if !NotModified(c, 2) {
		t.Error("expected not modified for matching version")
	}
	if NotModified(c, 3) {
		t.Error("expected modified for newer version")
	}
}

func TestSetETag(t *testing.T) {
	c, rec := newContext("", "")
	SetETag(c, 9)
	if got := rec.Header().Get("ETag"); got != `W/"9"` {
		t.Errorf("expected W/\"9\", got %s", got)
	}
}
