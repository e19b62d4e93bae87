package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

func newTestVault(t *testing.T) *VaultProvider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/nox" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(kvV2Response(map[string]any{"api_token": "from-vault", "port": 8080}))
	}))
	t.Cleanup(srv.Close)

	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func TestResolver(t *testing.T) {
	t.Setenv("NOX_TEST_SECRET", "from-env")
	secretFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(secretFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(EnvProvider{}, FileProvider{}, newTestVault(t))

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr error
	}{
		{"literal", "plain-token", "plain-token", nil},
		{"empty", "", "", nil},
		{"env", "env://NOX_TEST_SECRET", "from-env", nil},
		{"env missing", "env://NOX_TEST_MISSING", "", ErrNotFound},
		{"file", "file://" + secretFile, "from-file", nil},
		{"file missing", "file:///does/not/exist", "", ErrNotFound},
		{"vault", "vault://secret/data/nox#api_token", "from-vault", nil},
		{"vault missing field", "vault://secret/data/nox#nope", "", ErrNotFound},
		{"vault non-string field", "vault://secret/data/nox#port", "", ErrNotFound},
		{"vault missing path", "vault://secret/data/other#api_token", "", ErrNotFound},
		{"vault no field", "vault://secret/data/nox", "", ErrNotFound},
		{"unknown scheme", "aws://x", "", ErrUnknownScheme},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tc.value)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsReference(t *testing.T) {
	tests := map[string]bool{
		"env://X":        true,
		"vault://a/b#c":  true,
		"token":          false,
		"a b://c":        false,
		"://nothing":     false,
		"http//no-colon": false,
	}
	for in, want := range tests {
		if got := IsReference(in); got != want {
			t.Errorf("IsReference(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewVaultProvider(t *testing.T) {
	vp, err := NewVaultProvider(VaultConfig{})
	if err != nil || vp != nil {
		t.Errorf("no address: got %v, %v; want nil, nil", vp, err)
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault:8200"}); err == nil {
		t.Error("expected an error without a token")
	}
}
