// Package auth verifies the shared secret callers present to the gateway.
// The secret is accepted through either an api-key style header or an
// Authorization: Bearer header; both feed the same constant-time check.
// The caller's secret is never forwarded upstream and never logged raw.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HeaderAPIKey is the conventional shared-secret header.
const HeaderAPIKey = "api-key"

// ClientVerifier checks a presented client key against the configured set
// of accepted keys. Keys are compared as SHA-256 digests so the comparison
// is constant-time regardless of key length.
type ClientVerifier struct {
	hashes [][]byte
}

func NewClientVerifier(keys []string) *ClientVerifier {
	v := &ClientVerifier{}
	for _, key := range keys {
		h := sha256.Sum256([]byte(key))
		v.hashes = append(v.hashes, h[:])
	}
	return v
}

// Enabled reports whether any client keys are configured. With no keys the
// gateway skips caller authentication and admission falls back to keying
// on the source address.
func (v *ClientVerifier) Enabled() bool {
	return len(v.hashes) > 0
}

// Verify reports whether the presented key matches a configured key.
// Every configured key is checked so a match does not short-circuit.
func (v *ClientVerifier) Verify(presented string) bool {
	h := sha256.Sum256([]byte(presented))

	match := 0
	for _, expected := range v.hashes {
		match |= subtle.ConstantTimeCompare(h[:], expected)
	}
	return match == 1
}

// ExtractClientKey reads the caller's credential from the request.
// The api-key header and Authorization: Bearer are equivalent inputs.
func ExtractClientKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}

	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}

	return ""
}

// StripClientCredentials removes every inbound header that could carry the
// caller's secret before the request is sent upstream.
func StripClientCredentials(h http.Header) {
	h.Del(HeaderAPIKey)
	h.Del("Authorization")
}

// HashKey derives the caller identity used to key rate-limit and quota
// buckets, and the value recorded in usage events. It is a one-way hash so
// the raw secret never leaves the auth check.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// CallerKey returns the admission-control key for a request: the hashed
// client key when one was presented, otherwise the source address.
func CallerKey(r *http.Request, clientKey string) string {
	if clientKey != "" {
		return HashKey(clientKey)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AdminVerifier guards the admin endpoints with a bcrypt-hashed credential.
type AdminVerifier struct {
	hash []byte
}

func NewAdminVerifier(bcryptHash string) *AdminVerifier {
	return &AdminVerifier{hash: []byte(bcryptHash)}
}

func (v *AdminVerifier) Enabled() bool {
	return len(v.hash) > 0
}

func (v *AdminVerifier) Verify(secret string) bool {
	if !v.Enabled() {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(secret)) == nil
}
