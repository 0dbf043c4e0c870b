package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiter_BlocksAfterLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.allow("10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, retry := limiter.allow("10.0.0.1")
	if ok {
		t.Fatal("4th request should be rejected")
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("unexpected retry-after %v", retry)
	}

	if ok, _ := limiter.allow("10.0.0.2"); !ok {
		t.Error("other IPs must have their own bucket")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	limiter := NewRateLimiter(1, 20*time.Millisecond)

	if ok, _ := limiter.allow("10.0.0.1"); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := limiter.allow("10.0.0.1"); ok {
		t.Fatal("second request should be rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := limiter.allow("10.0.0.1"); !ok {
		t.Error("request after window should be allowed")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	now := time.Now()
	limiter.requests["expired"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.requests["active"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.cleanupExpired(now)

	if _, ok := limiter.requests["expired"]; ok {
		t.Error("expired entry should have been removed")
	}
	if _, ok := limiter.requests["active"]; !ok {
		t.Error("active entry should remain")
	}
}

func TestRateLimiter_CounterReset(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	for i := 0; i < limiter.cleanupEvery*15; i++ {
		limiter.allow("192.168.1.1")
	}
	if limiter.requestCount > limiter.cleanupEvery*10 {
		t.Errorf("counter should be reset, got %d", limiter.requestCount)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.7:5555"
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.7:6666"
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if !strings.Contains(second.Body.String(), "rate limit exceeded") {
		t.Errorf("unexpected body %q", second.Body.String())
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"remote addr with port", "198.51.100.1:1234", "", "198.51.100.1"},
		{"remote addr without port", "198.51.100.1", "", "198.51.100.1"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
