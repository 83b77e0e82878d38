// Package auth implements the OAuth PKCE flow that links the desktop app to
// the Scribe Cloud provider: PKCE material generation, the throwaway
// loopback callback listener, port acquisition with fallback, and the
// session controller coordinating browser hand-off, callback reception,
// code exchange, and credential persistence.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// PKCECodes holds a PKCE code verifier and its S256 challenge, following
// RFC 7636. The challenge is sent in the authorization request; the
// verifier is presented later during code exchange to prove possession.
type PKCECodes struct {
	// CodeVerifier is the random secret, base64url-encoded without padding.
	CodeVerifier string
	// CodeChallenge is base64url(SHA-256(CodeVerifier)), without padding.
	CodeChallenge string
}

// GeneratePKCECodes generates a PKCE code verifier and challenge pair.
// The verifier is built from 32 cryptographically secure random bytes.
// If the secure random source is unavailable the verifier degrades to a
// UUID-derived value; that path is logged because it weakens the PKCE
// guarantee.
func GeneratePKCECodes() *PKCECodes {
	verifier := randomURLSafe(32)
	return &PKCECodes{
		CodeVerifier:  verifier,
		CodeChallenge: CodeChallenge(verifier),
	}
}

// GenerateState produces a CSRF state token from 16 cryptographically
// secure random bytes, base64url-encoded without padding. It shares the
// degraded fallback behavior of GeneratePKCECodes.
func GenerateState() string {
	return randomURLSafe(16)
}

// CodeChallenge returns the S256 challenge for the given verifier.
func CodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// randomURLSafe returns n secure random bytes base64url-encoded without
// padding, falling back to a non-cryptographic UUID-derived value when the
// secure source fails.
func randomURLSafe(n int) string {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		log.Warnf("secure random source unavailable, using degraded fallback: %v", err)
		fallback := uuid.NewString() + uuid.NewString()
		return base64.RawURLEncoding.EncodeToString([]byte(fallback))[:base64.RawURLEncoding.EncodedLen(n)]
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
