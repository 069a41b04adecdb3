package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	m := NewMiddleware("secret")
	called := false
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/configs/claude", nil))

	if called {
		t.Fatal("handler should not run without a token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthenticateAcceptsXAPIKey(t *testing.T) {
	m := NewMiddleware("secret")
	called := false
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/configs/claude", nil)
	req.Header.Set("x-api-key", "secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("expected handler to run with a matching x-api-key")
	}
}

func TestAuthenticateAcceptsBearerToken(t *testing.T) {
	m := NewMiddleware("secret")
	called := false
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/configs/claude", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("expected handler to run with a matching bearer token")
	}
}

func TestAuthenticateRejectsWrongToken(t *testing.T) {
	m := NewMiddleware("secret")
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/configs/claude", nil)
	req.Header.Set("x-api-key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
