// Package api serves the administrative endpoints of the daemon.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"tangled.org/spindle/spindle/secrets"
)

type Api struct {
	Logger  *slog.Logger
	Secrets secrets.Manager

	// bearer token every request must carry
	Token string
}

func (a *Api) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(a.VerifyToken)

	r.Get("/secrets", a.ListSecrets)
	r.Post("/secrets", a.AddSecret)
	r.Delete("/secrets/{key}", a.RemoveSecret)

	return r
}

func (a *Api) VerifyToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || a.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
			a.Logger.Warn("rejected api request", "url", r.URL)
			writeError(w, AuthError, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
