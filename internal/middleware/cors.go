// Package middleware provides HTTP middleware for the proctoring API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/ashureev/shsh-proctor/internal/identity"
)

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Content-Type", identity.TabHeaderName}, ", ")
)

// CORS returns middleware that answers cross-origin requests from
// allowedOrigins. "*" admits any origin but never with credentials, since
// echoing an arbitrary origin alongside the anonymous identity cookie
// would let any site act as the learner.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]struct{}, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			_, trusted := explicit[origin]
			if trusted || wildcard {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				if trusted {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
