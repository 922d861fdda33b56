package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/bloomtext/bloomtext/internal/tenancy"
)

func TestRequireTenantPassesValidHeader(t *testing.T) {
	tenantID := uuid.New()
	var seen uuid.UUID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := tenancy.TenantIDFromContext(r.Context())
		if !ok {
			t.Fatal("tenant missing from context")
		}
		seen = id
	})

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set(TenantHeader, tenantID.String())
	rec := httptest.NewRecorder()
	RequireTenant(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen != tenantID {
		t.Fatalf("tenant = %s, want %s", seen, tenantID)
	}
}

func TestRequireTenantRejectsMissingHeader(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	rec := httptest.NewRecorder()
	RequireTenant(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRequireTenantRejectsMalformedHeader(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set(TenantHeader, "not-a-uuid")
	rec := httptest.NewRecorder()
	RequireTenant(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
