package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/bloomtext/bloomtext/internal/tenancy"
)

// TenantHeader carries the caller's tenant on API requests.
const TenantHeader = "X-Tenant-Id"

// RequireTenant rejects requests without a valid tenant id header and
// stores the parsed id on the request context for downstream handlers.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			writeTenantError(w, "missing "+TenantHeader+" header")
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeTenantError(w, "invalid "+TenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithTenantID(r.Context(), id)))
	})
}

func writeTenantError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
