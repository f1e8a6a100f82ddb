package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func rateLimitedHandler(limit int, per time.Duration) http.Handler {
	return RateLimit(limit, per)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func doRateLimited(h http.Handler, userID, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/v1/generations", nil)
	req.RemoteAddr = remoteAddr
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitWithinBudget(t *testing.T) {
	h := rateLimitedHandler(3, time.Minute)
	for i := 0; i < 3; i++ {
		if code := doRateLimited(h, "user-1", "198.51.100.10:1234"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, code)
		}
	}
}

func TestRateLimitExceeded(t *testing.T) {
	h := rateLimitedHandler(2, time.Minute)
	doRateLimited(h, "user-1", "198.51.100.10:1234")
	doRateLimited(h, "user-1", "198.51.100.10:1234")
	if code := doRateLimited(h, "user-1", "198.51.100.10:1234"); code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 once budget is spent", code)
	}
}

func TestRateLimitKeyedByUser(t *testing.T) {
	h := rateLimitedHandler(1, time.Minute)
	// Same address, different authenticated users: budgets are independent.
	if code := doRateLimited(h, "user-1", "198.51.100.10:1234"); code != http.StatusOK {
		t.Fatalf("user-1 status = %d, want 200", code)
	}
	if code := doRateLimited(h, "user-2", "198.51.100.10:1234"); code != http.StatusOK {
		t.Fatalf("user-2 status = %d, want 200", code)
	}
	if code := doRateLimited(h, "user-1", "198.51.100.10:1234"); code != http.StatusTooManyRequests {
		t.Fatalf("user-1 second request status = %d, want 429", code)
	}
}

func TestRateLimitAnonymousFallsBackToAddress(t *testing.T) {
	h := rateLimitedHandler(1, time.Minute)
	if code := doRateLimited(h, "", "198.51.100.10:1234"); code != http.StatusOK {
		t.Fatalf("first anonymous request status = %d, want 200", code)
	}
	if code := doRateLimited(h, "", "198.51.100.10:5678"); code != http.StatusTooManyRequests {
		t.Fatalf("same address status = %d, want 429", code)
	}
	if code := doRateLimited(h, "", "203.0.113.7:1234"); code != http.StatusOK {
		t.Fatalf("different address status = %d, want 200", code)
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	h := rateLimitedHandler(1, 10*time.Millisecond)
	if code := doRateLimited(h, "user-1", "198.51.100.10:1234"); code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", code)
	}
	time.Sleep(20 * time.Millisecond)
	if code := doRateLimited(h, "user-1", "198.51.100.10:1234"); code != http.StatusOK {
		t.Fatalf("status after window reset = %d, want 200", code)
	}
}
