package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const jwtTestSecret = "unit-test-secret"

func runAuth(t *testing.T, secret string, decorate func(*http.Request)) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var gotUserID string
	handler := AuthJWT(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/generations", nil)
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, gotUserID
}

func TestAuthJWTValidToken(t *testing.T) {
	token, err := SignToken(jwtTestSecret, "user-1", "id", time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec, userID := runAuth(t, jwtTestSecret, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if userID != "user-1" {
		t.Fatalf("user id = %q, want user-1", userID)
	}
}

func TestAuthJWTMissingHeader(t *testing.T) {
	rec, _ := runAuth(t, jwtTestSecret, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthJWTMalformedHeader(t *testing.T) {
	rec, _ := runAuth(t, jwtTestSecret, func(r *http.Request) {
		r.Header.Set("Authorization", "Token abc123")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthJWTWrongSecret(t *testing.T) {
	token, err := SignToken("other-secret", "user-1", "", time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec, _ := runAuth(t, jwtTestSecret, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthJWTExpiredToken(t *testing.T) {
	token, err := SignToken(jwtTestSecret, "user-1", "", -time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	rec, _ := runAuth(t, jwtTestSecret, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestVerifyTokenRequiresSubject(t *testing.T) {
	token, err := SignToken(jwtTestSecret, "", "", time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	if _, err := VerifyToken(jwtTestSecret, token); err == nil {
		t.Fatal("token without subject accepted")
	}
}
