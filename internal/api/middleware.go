package api

// This file contains the middleware guarding the API with a shared token.

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenMiddleware requires the configured API token on every request, either
// as a bearer token or, for websocket clients that cannot set headers, as the
// "token" query parameter. An empty token disables the check.
func (s *Server) TokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.app.Config().API.Token
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			got = r.URL.Query().Get("token")
		}
		if got == "" {
			RespondWithError(w, http.StatusUnauthorized, "Unauthorized: No API token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			RespondWithError(w, http.StatusUnauthorized, "Unauthorized: Invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
