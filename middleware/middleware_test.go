package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("Expected request id in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("Expected header %s, got %s", seen, got)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("Expected abc-123, got %s", got)
	}
}

func TestAccessLogKeepsStatus(t *testing.T) {
	h := AccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected 418, got %d", rec.Code)
	}
}

func TestCrossOriginGuard(t *testing.T) {
	guard, err := CrossOriginGuard([]string{"http://localhost:3000"})
	if err != nil {
		t.Fatalf("CrossOriginGuard failed: %v", err)
	}
	h := guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name         string
		method       string
		origin       string
		secFetchSite string
		status       int
	}{
		{"cross-site post", http.MethodPost, "https://evil.example", "cross-site", http.StatusForbidden},
		{"cross-origin post without fetch metadata", http.MethodPost, "https://evil.example", "", http.StatusForbidden},
		{"same-site post", http.MethodPost, "http://sub.example.com", "same-site", http.StatusForbidden},
		{"same-origin post", http.MethodPost, "http://example.com", "same-origin", http.StatusNoContent},
		{"trusted origin post", http.MethodPost, "http://localhost:3000", "cross-site", http.StatusNoContent},
		{"non-browser post", http.MethodPost, "", "", http.StatusNoContent},
		{"cross-site get", http.MethodGet, "https://evil.example", "cross-site", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://example.com/products/1/buy", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.secFetchSite != "" {
				req.Header.Set("Sec-Fetch-Site", tt.secFetchSite)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestCrossOriginGuardRejectsBadOrigin(t *testing.T) {
	if _, err := CrossOriginGuard([]string{"localhost:3000/app"}); err == nil {
		t.Error("Expected error for malformed origin")
	}
}

func TestBearerToken(t *testing.T) {
	h := BearerToken("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		method string
		auth   string
		status int
	}{
		{http.MethodPost, "", http.StatusUnauthorized},
		{http.MethodPost, "Bearer wrong", http.StatusUnauthorized},
		{http.MethodPost, "s3cret", http.StatusUnauthorized},
		{http.MethodPost, "Bearer s3cret", http.StatusNoContent},
		{http.MethodGet, "", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/api/v1/products/1/buy", nil)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.status {
			t.Errorf("%s %q: expected %d, got %d", tt.method, tt.auth, tt.status, rec.Code)
		}
	}

	// トークン未設定なら素通り
	open := BearerToken("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected pass-through without token, got %d", rec.Code)
	}
}
