package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		preflight   bool
		wantOrigin  string
		wantCreds   string
		wantCode    int
		wantReached bool
	}{
		{
			name:    "explicit origin gets credentials",
			origins: []string{"https://exams.example.org"}, method: http.MethodGet,
			origin:     "https://exams.example.org",
			wantOrigin: "https://exams.example.org", wantCreds: "true",
			wantCode: http.StatusTeapot, wantReached: true,
		},
		{
			name:    "unlisted origin gets no headers",
			origins: []string{"https://exams.example.org"}, method: http.MethodGet,
			origin:   "https://evil.example",
			wantCode: http.StatusTeapot, wantReached: true,
		},
		{
			name:    "wildcard echoes origin without credentials",
			origins: []string{"*"}, method: http.MethodOptions, preflight: true,
			origin:     "https://elsewhere.example",
			wantOrigin: "https://elsewhere.example",
			wantCode:   http.StatusNoContent,
		},
		{
			name:    "explicit wins over wildcard",
			origins: []string{"*", "https://exams.example.org"}, method: http.MethodGet,
			origin:     "https://exams.example.org",
			wantOrigin: "https://exams.example.org", wantCreds: "true",
			wantCode: http.StatusTeapot, wantReached: true,
		},
		{
			name:    "same-origin request passes through",
			origins: []string{"*"}, method: http.MethodGet,
			wantCode: http.StatusTeapot, wantReached: true,
		},
		{
			name:    "options without request method reaches handler",
			origins: []string{"*"}, method: http.MethodOptions,
			origin:     "https://elsewhere.example",
			wantOrigin: "https://elsewhere.example",
			wantCode:   http.StatusTeapot, wantReached: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			h := CORS(tt.origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusTeapot)
			}))

			req := httptest.NewRequest(tt.method, "/api/attempts", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantReached, reached)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
			if tt.origin != "" {
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
			}
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Proctor-Session-ID")
			}
		})
	}
}
