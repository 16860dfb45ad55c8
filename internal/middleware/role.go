package middleware

import (
	"net/http"

	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

// RoleAtLeastMiddleware admits requests whose resolved role satisfies
// required. While the role is still loading the caller is asked to retry.
func RoleAtLeastMiddleware(required roles.Role, roleOf func(*http.Request) roles.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if required == roles.Guest {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := roleOf(r)
			res := roles.Authorize(role, required)
			switch {
			case res.Allowed:
				next.ServeHTTP(w, r)
			case res.RedirectTo == "":
				w.Header().Set("Retry-After", "1")
				WriteJSONError(w, http.StatusServiceUnavailable, "role not resolved yet")
			case role == roles.Guest:
				WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
			default:
				WriteJSONError(w, http.StatusForbidden, "forbidden")
			}
		})
	}
}
