package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultConfig configures a VaultProvider.
type VaultConfig struct {
	Address   string // VAULT_ADDR
	Token     string // VAULT_TOKEN
	Namespace string // VAULT_NAMESPACE, enterprise only.
	Timeout   time.Duration
}

// VaultConfigFromEnv reads the standard Vault client variables.
func VaultConfigFromEnv() VaultConfig {
	return VaultConfig{
		Address:   os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
	}
}

// VaultProvider reads string fields from Vault KV v2 with token auth.
// References have the form "<kv v2 api path>#<field>", e.g.
// "secret/data/nox#api_token".
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider returns nil when no address is configured.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, nil
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN is required when VAULT_ADDR is set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &VaultProvider{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (string, error) {
	path, field, _ := strings.Cut(ref, "#")
	if path == "" || field == "" {
		return "", fmt.Errorf("%w: vault reference %q needs a path and a #field", ErrNotFound, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return "", fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: vault path %q", ErrNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("vault denied access to %q", path)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("vault returned status %d for %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return "", fmt.Errorf("parsing vault response: %w", err)
	}
	v, ok := envelope.Data.Data[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: field %q in vault path %q", ErrNotFound, field, path)
	}
	return v, nil
}
