package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewWithEmptyHashAllowsAll(t *testing.T) {
	fn := New("")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if !fn(req) {
		t.Fatalf("expected allow-all when tokenHash is empty")
	}
}

func TestHashTokenAndVerify(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	fn := New(hash)

	good := httptest.NewRequest(http.MethodGet, "/", nil)
	good.Header.Set("Authorization", "Bearer s3cret")
	if !fn(good) {
		t.Fatalf("expected matching bearer token to be allowed")
	}

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("Authorization", "Bearer wrong")
	if fn(bad) {
		t.Fatalf("expected mismatched bearer token to be denied")
	}

	missing := httptest.NewRequest(http.MethodGet, "/", nil)
	if fn(missing) {
		t.Fatalf("expected missing Authorization header to be denied")
	}

	malformed := httptest.NewRequest(http.MethodGet, "/", nil)
	malformed.Header.Set("Authorization", "s3cret")
	if fn(malformed) {
		t.Fatalf("expected non-Bearer Authorization header to be denied")
	}
}
