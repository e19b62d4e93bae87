package security

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// Gate validates bearer credentials against the configured secret.
// A gate with an empty secret admits every request.
type Gate struct {
	secret []byte
}

// NewGate creates a gate for the given secret.
func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(strings.TrimSpace(secret))}
}

// Enabled reports whether a credential is required.
func (g *Gate) Enabled() bool {
	return len(g.secret) > 0
}

// Check validates an Authorization header value and returns the presented
// token. When the gate is disabled the header is still parsed so callers
// can attribute the request, but it is never rejected.
func (g *Gate) Check(header string) (string, error) {
	token, ok := BearerToken(header)
	if !g.Enabled() {
		return token, nil
	}
	if !ok {
		return "", fmt.Errorf("%w: missing bearer credential", ErrUnauthorized)
	}
	if err := g.CheckToken(token); err != nil {
		return "", err
	}
	return token, nil
}

// CheckToken compares a bare token against the secret in constant time.
func (g *Gate) CheckToken(token string) error {
	if !g.Enabled() {
		return nil
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		return fmt.Errorf("%w: invalid credential", ErrUnauthorized)
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
