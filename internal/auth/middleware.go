package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aircast-bridge/aircast/internal/models"
)

const apiKeyQueryParam = "api-key"

// Middleware rejects requests without a valid key unless the service is in
// open mode. Keys are taken from "Authorization: Bearer <key>" or the
// api-key query parameter, which EventSource clients need.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.IsOpenMode() {
			next.ServeHTTP(w, r)
			return
		}

		if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && s.VerifyKey(key) {
			next.ServeHTTP(w, r)
			return
		}
		if key := r.URL.Query().Get(apiKeyQueryParam); key != "" && s.VerifyKey(key) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="aircast"`)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(models.ErrUnauthorized("missing or invalid access key"))
	})
}
