package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/metrics"
)

type contextKey string

const userKey contextKey = "user"

// currentUser returns the authenticated username stored by the auth
// middleware.
func currentUser(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

// authenticate enforces HTTP basic auth against the users table.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			s.unauthorized(w)
			return
		}
		u, err := s.store.GetUser(r.Context(), username)
		if err != nil {
			s.unauthorized(w)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
			s.unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, username)))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="drydock"`)
	s.writeError(w, direrrors.NotAuthorized())
}

// requireContentType rejects bodies of the wrong type at the routing layer,
// so a YAML manifest posted to /releases 404s instead of half-parsing.
func requireContentType(want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("Content-Type")
			if mt, _, found := strings.Cut(got, ";"); found {
				got = mt
			}
			if strings.TrimSpace(got) != want {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records request counts and durations.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
