package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Shell policy modes.
const (
	ModeDeny  = "deny"
	ModeAllow = "allow"
)

// Policy is one generation of the admission and shell rules.
// A loaded Policy is never mutated; reloads produce a new value.
type Policy struct {
	RateLimits  RateLimits     `json:"rate_limits" yaml:"rate_limits" toml:"rate_limits"`
	Endpoints   map[string]int `json:"endpoints" yaml:"endpoints" toml:"endpoints"` // Endpoint path → requests per minute per address. 0 disables.
	Quotas      Quotas         `json:"quotas" yaml:"quotas" toml:"quotas"`
	ShellPolicy ShellPolicy    `json:"shell_policy" yaml:"shell_policy" toml:"shell_policy"`
	Audit       AuditPolicy    `json:"audit" yaml:"audit" toml:"audit"`
}

// RateLimits holds the per-minute sliding window limits.
type RateLimits struct {
	PerIP    Limit `json:"per_ip" yaml:"per_ip" toml:"per_ip"`
	PerToken Limit `json:"per_token" yaml:"per_token" toml:"per_token"`
}

// Limit is a requests-per-minute cap. BurstSize is accepted for compatibility
// with older policy files and ignored: the window admits bursts up to the limit.
type Limit struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int `json:"burst_size,omitempty" yaml:"burst_size,omitempty" toml:"burst_size,omitempty"`
}

// Quotas holds the per-credential daily quota defaults.
type Quotas struct {
	Default QuotaLimits `json:"default" yaml:"default" toml:"default"`
}

// QuotaLimits caps a credential's consumption over a 24h window. Zero disables a cap.
type QuotaLimits struct {
	DailyRequests   int     `json:"daily_requests" yaml:"daily_requests" toml:"daily_requests"`
	DailyCPUSeconds float64 `json:"daily_cpu_seconds" yaml:"daily_cpu_seconds" toml:"daily_cpu_seconds"`
	MaxUploadSizeMB int     `json:"max_upload_size_mb" yaml:"max_upload_size_mb" toml:"max_upload_size_mb"`
}

// MaxUploadBytes returns the upload cap in bytes.
func (q QuotaLimits) MaxUploadBytes() int64 {
	return int64(q.MaxUploadSizeMB) << 20
}

// ShellPolicy decides which head tokens a shell command may start with.
type ShellPolicy struct {
	Mode              string   `json:"mode" yaml:"mode" toml:"mode"` // deny (blacklist) or allow (whitelist)
	ForbiddenCommands []string `json:"forbidden_commands" yaml:"forbidden_commands" toml:"forbidden_commands"`
	AllowedCommands   []string `json:"allowed_commands" yaml:"allowed_commands" toml:"allowed_commands"`
}

// AuditPolicy toggles the audit trail.
type AuditPolicy struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	LogFile string `json:"log_file" yaml:"log_file" toml:"log_file"` // Overrides NOX_AUDIT_LOG when set.
}

// DefaultForbiddenCommands is the deny list used when no policy file is given.
var DefaultForbiddenCommands = []string{
	"rm", "reboot", "shutdown", "mkfs", "dd", "mount", "umount",
	"kill", "pkill", "sudo", "su", "passwd", "chown", "chmod",
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		RateLimits: RateLimits{
			PerIP:    Limit{RequestsPerMinute: 60},
			PerToken: Limit{RequestsPerMinute: 100},
		},
		Endpoints: map[string]int{
			"/run_py": 30,
			"/run_sh": 30,
			"/put":    50,
		},
		Quotas: Quotas{Default: QuotaLimits{
			DailyRequests:   10000,
			DailyCPUSeconds: 3600,
			MaxUploadSizeMB: 50,
		}},
		ShellPolicy: ShellPolicy{
			Mode:              ModeDeny,
			ForbiddenCommands: append([]string(nil), DefaultForbiddenCommands...),
		},
		Audit: AuditPolicy{Enabled: true},
	}
}

// LoadPolicy reads a policy document. An empty path returns DefaultPolicy.
// The format is detected by extension: .toml, .json, anything else is YAML.
// Keys absent from the document keep their default values; endpoint overrides
// merge with the defaults.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	return ParsePolicy(data, filepath.Ext(path))
}

// ParsePolicy decodes a policy document of the given extension over the defaults.
func ParsePolicy(data []byte, ext string) (*Policy, error) {
	p := DefaultPolicy()
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parsing TOML policy: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("parsing JSON policy: %w", err)
		}
	default:
		if len(bytes.TrimSpace(data)) > 0 {
			if err := yaml.Unmarshal(data, p); err != nil {
				return nil, fmt.Errorf("parsing YAML policy: %w", err)
			}
		}
	}
	p.ShellPolicy.Mode = normalizeMode(p.ShellPolicy.Mode)
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// EndpointLimit returns the per-address override for an endpoint, if any.
func (p *Policy) EndpointLimit(endpoint string) (int, bool) {
	n, ok := p.Endpoints[endpoint]
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

func normalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeDeny, "blacklist", "denylist":
		return ModeDeny
	case ModeAllow, "whitelist", "allowlist":
		return ModeAllow
	}
	return mode
}

func (p *Policy) validate() error {
	if p.RateLimits.PerIP.RequestsPerMinute < 0 || p.RateLimits.PerToken.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limits must not be negative")
	}
	for ep, n := range p.Endpoints {
		if !strings.HasPrefix(ep, "/") {
			return fmt.Errorf("endpoints.%s: path must start with /", ep)
		}
		if n < 0 {
			return fmt.Errorf("endpoints.%s must not be negative", ep)
		}
	}
	q := p.Quotas.Default
	if q.DailyRequests < 0 || q.DailyCPUSeconds < 0 || q.MaxUploadSizeMB < 0 {
		return fmt.Errorf("quotas.default values must not be negative")
	}
	switch p.ShellPolicy.Mode {
	case ModeDeny:
	case ModeAllow:
		if len(p.ShellPolicy.AllowedCommands) == 0 {
			return fmt.Errorf("shell_policy.allowed_commands must not be empty in allow mode")
		}
	default:
		return fmt.Errorf("shell_policy.mode %q is not supported (use deny or allow)", p.ShellPolicy.Mode)
	}
	return nil
}
