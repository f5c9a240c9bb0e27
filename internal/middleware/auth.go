package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"chatbridge/internal/auth"
	"chatbridge/internal/httputil"
)

// Auth validates a Bearer token on every request. A nil verifier disables
// authentication entirely, which is the local-development default.
func Auth(verifier auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httputil.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			if _, err := verifier.VerifyToken(token); err != nil {
				logger.Debug("token rejected", "path", r.URL.Path)
				httputil.RespondError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
