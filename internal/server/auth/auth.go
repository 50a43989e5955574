// Package auth holds the shared-secret checks used by both the WS
// handshake and the HTTP ingestion endpoints.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader is the custom header alternative to Authorization: Bearer.
const TokenHeader = "X-Omnizap-Token"

const bearerPrefix = "Bearer "

// TokenEqual reports whether the presented token matches the configured
// secret. Both sides are hashed before comparison so the check takes the
// same time for mismatched lengths as for equal-length mismatches. An
// empty secret never matches anything.
func TokenEqual(secret string, presented string) bool {
	if secret == "" {
		return false
	}
	secretHash := sha256.Sum256([]byte(secret))
	presentedHash := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(secretHash[:], presentedHash[:]) == 1
}

// TokenFromRequest extracts a client token from, in order: the
// Authorization Bearer header, the X-Omnizap-Token header, and the token
// query parameter. Returns "" when none is present.
func TokenFromRequest(r *http.Request) string {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authorization) > len(bearerPrefix) && strings.EqualFold(authorization[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(authorization[len(bearerPrefix):])
	}
	if header := strings.TrimSpace(r.Header.Get(TokenHeader)); header != "" {
		return header
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
