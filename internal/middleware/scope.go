package middleware

import (
	"net/http"

	"chama/internal/scope"
)

// SystemScope runs the request with system privileges. It guards the
// operator API only; member-facing routes carry a user scope instead.
func SystemScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(scope.WithSystem(r.Context())))
	})
}
