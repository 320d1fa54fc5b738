package daemon

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"lectern/internal/api"
)

// requireToken guards every route with "Authorization: Bearer <token>".
// An empty token leaves the API open.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lectern"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unauthorized", Code: api.CodeUnauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}
