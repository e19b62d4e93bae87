// Package security implements the credential gate, the shell command policy
// and the signed audit trail.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Sentinel errors for security enforcement.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrEmptyCommand     = errors.New("empty command")
	ErrMalformedCommand = errors.New("malformed command")
	ErrForbiddenCommand = errors.New("forbidden command")
)

// AnonymousID is the token id recorded for requests without a credential.
const AnonymousID = "anonymous"

// Fingerprint returns the token id of a credential: the first 16 hex
// characters of its SHA-256 digest, or AnonymousID when token is empty.
func Fingerprint(token string) string {
	if token == "" {
		return AnonymousID
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}
