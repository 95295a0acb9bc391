package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth enforces HTTP basic auth against the seeded users when
// auth is enabled. Read-only routes pass write=false and are open when
// anonymous_read is configured.
func (s *server) requireAuth(write bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.cfg.Auth.Enabled {
				next.ServeHTTP(w, r)

				return
			}

			if !write && s.cfg.Auth.AnonymousRead {
				next.ServeHTTP(w, r)

				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="playwright-manager"`)
				writeJSON(w, http.StatusUnauthorized,
					errorResponse{"authentication required"})

				return
			}

			user, err := s.store.GetUserByUsername(r.Context(), username)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized,
					errorResponse{"invalid credentials"})

				return
			}

			if bcrypt.CompareHashAndPassword(
				[]byte(user.PasswordHash), []byte(password),
			) != nil {
				writeJSON(w, http.StatusUnauthorized,
					errorResponse{"invalid credentials"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
