// Package fingerprint derives deterministic, content-addressed digests
// of incoming requests for deduplication. Requests differing only in
// volatile fields (timestamps, UUIDs, request IDs) hash identically.
package fingerprint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidEncoding is returned when a request body cannot be decoded
// as UTF-8. Callers fall back to SimpleHash.
var ErrInvalidEncoding = errors.New("request body is not valid utf-8")

const (
	// kdfIterations stretches the digest so fingerprints cannot be
	// cheaply enumerated offline from guessed request bodies.
	kdfIterations = 100_000
	digestLen     = 32 // 256-bit
)

// Hasher produces request fingerprints. The salt is fixed for the
// process lifetime, so digests are stable within a deployment but not
// portable across restarts. Dedup TTLs are far shorter than process
// uptime, which makes that acceptable.
type Hasher struct {
	salt []byte
}

// NewHasher creates a Hasher with a random per-process salt.
func NewHasher() *Hasher {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		// Deterministic fallback keeps the hasher usable; dedup quality
		// degrades but correctness does not.
		copy(salt, []byte("guardrail-static"))
	}
	return &Hasher{salt: salt}
}

// NewHasherWithSalt creates a Hasher with a fixed salt; used by tests.
func NewHasherWithSalt(salt []byte) *Hasher {
	return &Hasher{salt: append([]byte(nil), salt...)}
}

// Request carries the hash inputs for one incoming request.
type Request struct {
	SessionID string
	Method    string
	Endpoint  string
	Body      []byte
	Query     url.Values
	Headers   map[string]string
}

// Hash canonicalizes the request and returns its 256-bit hex digest.
// Returns ErrInvalidEncoding for non-UTF-8 bodies.
func (h *Hasher) Hash(req Request) (string, error) {
	if !utf8.Valid(req.Body) {
		return "", ErrInvalidEncoding
	}

	endpoint := NormalizeEndpoint(req.Endpoint)

	if IsTitleGeneration(endpoint) {
		return h.titleHash(req.SessionID, len(req.Body) > 0), nil
	}

	parts := []string{
		req.SessionID,
		strings.ToUpper(req.Method),
		endpoint,
		NormalizeBody(req.Body),
		NormalizeQuery(req.Query),
		NormalizeHeaders(req.Headers),
	}

	return h.digest(strings.Join(parts, "|")), nil
}

// SimpleHash is the fallback digest when canonicalization fails:
// session, endpoint, and method only.
func (h *Hasher) SimpleHash(sessionID, endpoint, method string) string {
	return h.digest(sessionID + "|" + strings.ToUpper(method) + "|" + NormalizeEndpoint(endpoint))
}

// titleHash yields one fingerprint per (session, has-context) pair.
func (h *Hasher) titleHash(sessionID string, hasContext bool) string {
	suffix := "no-context"
	if hasContext {
		suffix = "with-context"
	}
	return h.digest("title|" + sessionID + "|" + suffix)
}

func (h *Hasher) digest(input string) string {
	key := pbkdf2.Key([]byte(input), h.salt, kdfIterations, digestLen, sha256.New)
	return hex.EncodeToString(key)
}
