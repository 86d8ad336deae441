package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTenantContext(target string, header string, jwtTenant *string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("X-Tenant-ID", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if jwtTenant != nil {
		c.Set("jwt_tenant_id", *jwtTenant)
	}
	return c
}

func TestExtractTenantID(t *testing.T) {
	jwt := "site_jwt"
	empty := ""
	tests := []struct {
		name   string
		target string
		header string
		jwt    *string
		want   string
	}{
		{"header", "/", "site_abc", nil, "site_abc"},
		{"query", "/?tenant_id=site_xyz", "", nil, "site_xyz"},
		{"jwt wins", "/?tenant_id=query", "header", &jwt, "site_jwt"},
		{"header over query", "/?tenant_id=query", "header", nil, "header"},
		{"empty jwt falls through", "/", "header", &empty, "header"},
		{"default", "/", "", nil, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTenantContext(tt.target, tt.header, tt.jwt)
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSchemaFor(t *testing.T) {
	tests := []struct {
		input string
		want  string
		valid bool
	}{
		{"abc", "tenant_abc", true},
		{"site_1", "tenant_site_1", true},
		{"A1B2C3", "tenant_A1B2C3", true},
		{"a-b", "", false},
		{"a.b", "", false},
		{"a b", "", false},
		{"", "", false},
		{"'; DROP TABLE visit", "", false},
	}
	for _, tt := range tests {
		got, err := SchemaFor(tt.input)
		if tt.valid && (err != nil || got != tt.want) {
			t.Errorf("SchemaFor(%q) = %q, %v; want %q", tt.input, got, err, tt.want)
		}
		if !tt.valid && err == nil {
			t.Errorf("SchemaFor(%q) expected error", tt.input)
		}
	}
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx from empty context")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant from empty context")
	}

	wrong := context.WithValue(ctx, DBConnKey, "not-a-conn")
	wrong = context.WithValue(wrong, DBTxKey, "not-a-tx")
	wrong = context.WithValue(wrong, TenantIDKey, 12345)
	if ConnFromContext(wrong) != nil || TxFromContext(wrong) != nil || TenantFromContext(wrong) != "" {
		t.Error("expected zero values when context values have the wrong type")
	}

	tenant := context.WithValue(ctx, TenantIDKey, "site_a")
	if TenantFromContext(tenant) != "site_a" {
		t.Errorf("expected site_a, got %s", TenantFromContext(tenant))
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil || err.Error() != "no database connection in context" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunInTx_NoConnection(t *testing.T) {
	called := false
	err := RunInTx(context.Background(), nil, func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("expected error without pool or connection")
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}

func TestTenantHelpers_RejectInvalidIDs(t *testing.T) {
	for _, id := range []string{"site-with-dash", "site.with.dot", "si te", "drop;table"} {
		if err := CreateTenantSchema(context.Background(), nil, id, ""); err == nil {
			t.Errorf("CreateTenantSchema: expected error for %q", id)
		}
		err := WithTenant(context.Background(), nil, id, func(context.Context) error { return nil })
		if err == nil {
			t.Errorf("WithTenant: expected error for %q", id)
		}
	}
}
