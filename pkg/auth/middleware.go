package auth

import (
	"net/http"
	"strings"
)

// Middleware returns HTTP middleware that authenticates requests with the
// given verifier. The token is read from the Authorization header (Bearer
// scheme) or, as a fallback, the X-API-Key header. Requests without a valid
// token receive 401.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				http.Error(w, "Unauthorized: missing authentication token", http.StatusUnauthorized)
				return
			}

			id, err := v.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole returns HTTP middleware that rejects authenticated callers
// lacking the role with 403. It must run after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFrom(r.Context())
			if id == nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !id.HasRole(role) {
				http.Error(w, "Forbidden: missing role "+role, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken pulls the bearer token from the request headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return after
	}
	return r.Header.Get("X-API-Key")
}
