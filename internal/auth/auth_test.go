package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	a := New(nil, "test-secret", nil, 0)

	tokenStr, expires, err := a.issueToken(42, "alice")
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if expires.IsZero() {
		t.Error("expiry should be set")
	}

	claims, err := a.validateToken(tokenStr)
	if err != nil {
		t.Fatalf("validateToken: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	a := New(nil, "secret-a", nil, 0)
	b := New(nil, "secret-b", nil, 0)

	tokenStr, _, err := a.issueToken(1, "bob")
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, err := b.validateToken(tokenStr); err == nil {
		t.Error("token signed with another secret must not validate")
	}
}

func TestMiddleware_MissingToken(t *testing.T) {
	a := New(nil, "test-secret", nil, 0)
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without a token")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/partitions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	a := New(nil, "test-secret", nil, 0)
	tokenStr, _, _ := a.issueToken(7, "carol")

	var got *Claims
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClaims(r.Context())
	}))

	req := httptest.NewRequest("GET", "/api/partitions", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.UserID != 7 {
		t.Errorf("claims not propagated: %+v", got)
	}
}
