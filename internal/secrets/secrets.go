// Package secrets resolves credential references in configuration values.
//
// A value of the form "<scheme>://<ref>" is looked up in the provider
// registered for the scheme:
//
//	env://NOX_TOKEN                 environment variable
//	file:///run/secrets/nox_token   file contents, trailing newline trimmed
//	vault://secret/data/nox#token   HashiCorp Vault KV v2 field
//
// Values without a scheme are literals and are returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// ErrUnknownScheme is returned for a reference whose scheme has no provider.
var ErrUnknownScheme = errors.New("unknown secret scheme")

// Provider resolves the references of one scheme. ref excludes the
// "<scheme>://" prefix. Implementations must be safe for concurrent use.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver. Nil providers are skipped.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Scheme()] = p
		}
	}
	return r
}

// IsReference reports whether value looks like "<scheme>://<ref>".
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	return ok && scheme != "" && !strings.ContainsAny(scheme, " /:")
}

// Resolve returns the secret a reference points to, or value itself when it
// is a literal.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme, ref, _ := strings.Cut(value, "://")
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownScheme, scheme)
	}
	secret, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference: %w", scheme, err)
	}
	return secret, nil
}
