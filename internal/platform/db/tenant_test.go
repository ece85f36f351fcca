package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTenantContext(header string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("X-Tenant-ID", header)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		jwt    string
		header string
		want   string
	}{
		{"default", "", "", "default"},
		{"header", "", "clinic_north", "clinic_north"},
		{"jwt wins", "jwt_tenant", "header_tenant", "jwt_tenant"},
		{"empty jwt falls through", "", "header_tenant", "header_tenant"},
	}
	for _, tt := range tests {
		c := newTenantContext(tt.header)
		c.Set("jwt_tenant_id", tt.jwt)
		if got := extractTenantID(c, "default"); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestSchemaName(t *testing.T) {
	tests := []struct {
		input string
		want  string
		valid bool
	}{
		{"abc", "clinic_abc", true},
		{"North_1", "clinic_North_1", true},
		{"a-b", "", false},
		{"a.b", "", false},
		{"a b", "", false},
		{"", "", false},
		{"'; DROP TABLE", "", false},
		{"tenant@1", "", false},
	}
	for _, tt := range tests {
		got, err := SchemaName(tt.input)
		if (err == nil) != tt.valid {
			t.Errorf("SchemaName(%q): valid=%v, got err %v", tt.input, tt.valid, err)
		}
		if got != tt.want {
			t.Errorf("SchemaName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	c := newTenantContext("bad-tenant!")
	called := false
	// The pool is never touched for an invalid tenant.
	err := TenantMiddleware(nil, "default", nil)(func(echo.Context) error {
		called = true
		return nil
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if called {
		t.Error("handler should not run")
	}
}

func TestTenantMiddleware_Skipper(t *testing.T) {
	c := newTenantContext("")
	called := false
	err := TenantMiddleware(nil, "default", func(echo.Context) bool { return true })(func(echo.Context) error {
		called = true
		return nil
	})(c)
	if err != nil || !called {
		t.Fatalf("expected skipped request to reach handler, got %v", err)
	}
}

func TestContextAccessors(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil conn from empty context")
	}
	if conn := ConnFromContext(context.WithValue(context.Background(), DBConnKey, "not-a-conn")); conn != nil {
		t.Error("expected nil when context value is wrong type")
	}

	ctx := context.WithValue(context.Background(), TenantIDKey, "clinic_a")
	if tid := TenantFromContext(ctx); tid != "clinic_a" {
		t.Errorf("expected clinic_a, got %s", tid)
	}
	if tid := TenantFromContext(context.WithValue(context.Background(), TenantIDKey, 12345)); tid != "" {
		t.Errorf("expected empty string for wrong type, got %q", tid)
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"tenant-with-dash", "tenant.with.dot", "ten ant", "drop;table"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}
