package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads environment variables.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty variable name", ErrNotFound)
	}
	v, ok := os.LookupEnv(ref)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrNotFound, ref)
	}
	return v, nil
}

// FileProvider reads a file, e.g. a mounted container secret.
type FileProvider struct{}

func (FileProvider) Scheme() string { return "file" }

func (FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("reading %s: %w", ref, err)
	}
	v := strings.TrimRight(string(data), "\r\n")
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, ref)
	}
	return v, nil
}
