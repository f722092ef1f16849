package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsOriginAllowed(t *testing.T) {
	hosts := []string{"app.finlink.test", "localhost:3000"}

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "https://app.finlink.test", want: true},
		{origin: "https://APP.finlink.test:8443", want: true},
		{origin: "http://localhost:3000", want: true},
		{origin: "http://localhost", want: true},
		{origin: "https://evil.finlink.test", want: false},
		{origin: "https://finlink.test", want: false},
		{origin: "://broken", want: false},
		{origin: "app.finlink.test", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, isOriginAllowed(tt.origin, hosts))
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name            string
		allowedHosts    []string
		method          string
		origin          string
		wantStatus      int
		wantAllowOrigin string
		wantCredentials string
	}{
		{
			name:            "open when no hosts configured",
			method:          http.MethodGet,
			origin:          "https://anything.example",
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "*",
		},
		{
			name:            "allowed origin is echoed with credentials",
			allowedHosts:    []string{"app.finlink.test"},
			method:          http.MethodGet,
			origin:          "https://app.finlink.test",
			wantStatus:      http.StatusOK,
			wantAllowOrigin: "https://app.finlink.test",
			wantCredentials: "true",
		},
		{
			name:         "unknown origin is rejected",
			allowedHosts: []string{"app.finlink.test"},
			method:       http.MethodPost,
			origin:       "https://evil.example",
			wantStatus:   http.StatusForbidden,
		},
		{
			name:         "request without origin passes through",
			allowedHosts: []string{"app.finlink.test"},
			method:       http.MethodGet,
			wantStatus:   http.StatusOK,
		},
		{
			name:            "preflight from allowed origin",
			allowedHosts:    []string{"app.finlink.test"},
			method:          http.MethodOptions,
			origin:          "https://app.finlink.test",
			wantStatus:      http.StatusNoContent,
			wantAllowOrigin: "https://app.finlink.test",
			wantCredentials: "true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(tt.allowedHosts)(okHandler())

			req := httptest.NewRequest(tt.method, "/api/accounts/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAllowOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORS_PreflightSkipsHandler(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	})

	rec := httptest.NewRecorder()
	CORS(nil)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/link/exchange", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}
