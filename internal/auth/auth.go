// Package auth provides the default implementation plugged into the
// engine's opaque authentication predicate: a single static operator
// bearer token checked against a bcrypt hash.
package auth

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tusdrop/internal/tusengine"
)

// bcryptCost of 12 balances brute-force resistance against
// per-request hashing cost.
const bcryptCost = 12

// HashToken bcrypt-hashes a bearer token for storage in config
// (auth.bearer_token_hash).
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// New returns a tusengine.AuthFunc that requires "Authorization:
// Bearer <token>" to match tokenHash. An empty tokenHash means auth is
// disabled (every request is allowed) — the predicate is opaque to the
// engine either way.
func New(tokenHash string) tusengine.AuthFunc {
	if tokenHash == "" {
		return tusengine.AllowAll
	}
	return func(r *http.Request) bool {
		token, ok := bearerToken(r)
		if !ok {
			return false
		}
		return bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) == nil
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}
