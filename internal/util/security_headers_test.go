package util

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithSecurityHeaders(t *testing.T) {
	tests := []struct {
		name      string
		tls       bool
		forwarded string
		wantHSTS  bool
	}{
		{name: "plain http"},
		{name: "direct tls", tls: true, wantHSTS: true},
		{name: "forwarded https", forwarded: "https", wantHSTS: true},
		{name: "forwarded https mixed case", forwarded: " HTTPS ", wantHSTS: true},
		{name: "forwarded http", forwarded: "http"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/process", nil)
			if tc.tls {
				req.TLS = &tls.ConnectionState{}
			}
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tc.forwarded)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			want := map[string]string{
				"X-Content-Type-Options":  "nosniff",
				"X-Frame-Options":         "DENY",
				"Referrer-Policy":         "no-referrer",
				"Cache-Control":           "no-store",
				"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'; base-uri 'none'",
			}
			for key, value := range want {
				if got := rec.Header().Get(key); got != value {
					t.Fatalf("%s = %q, want %q", key, got, value)
				}
			}
			hsts := rec.Header().Get("Strict-Transport-Security")
			if tc.wantHSTS && hsts != "max-age=31536000; includeSubDomains" {
				t.Fatalf("Strict-Transport-Security = %q, want max-age=31536000; includeSubDomains", hsts)
			}
			if !tc.wantHSTS && hsts != "" {
				t.Fatalf("did not expect HSTS, got %q", hsts)
			}
			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
			}
		})
	}
}
