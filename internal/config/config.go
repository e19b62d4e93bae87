// Package config handles loading and validating nox configuration.
//
// Runtime settings come from NOX_* environment variables (a .env file in the
// working directory is loaded first). Admission and shell rules live in a
// separate policy document, see policy.go.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// DefaultAuditKey is used when NOX_AUDIT_KEY is unset. Records signed with it
// are only tamper-evident against parties that do not know the default.
const DefaultAuditKey = "nox-default-audit-key-change-me"

const (
	defaultSandbox         = "/tmp/nox_sandbox"
	defaultAuditLog        = "/tmp/nox_audit.log"
	defaultTimeout         = 20 * time.Second
	defaultBindAddr        = "127.0.0.1"
	defaultPort            = 8080
	defaultPython          = "python3"
	defaultOutputLimit     = 1 << 20
	defaultMetricsInterval = 30 * time.Second
	defaultSSEHeartbeat    = 15 * time.Second
	defaultListMaxItems    = 10000
	defaultAnomalyWindow   = 5 * time.Minute
)

// Quota store drivers.
const (
	QuotaStoreMemory   = "memory"
	QuotaStoreSQLite   = "sqlite"
	QuotaStorePostgres = "postgres"
	QuotaStoreRedis    = "redis"
)

// Config is the root runtime configuration.
type Config struct {
	SandboxRoot      string        // NOX_SANDBOX
	Timeout          time.Duration // NOX_TIMEOUT, seconds or a duration string.
	APIToken         string        // NOX_API_TOKEN. Empty = auth disabled.
	RateLimitEnabled bool          // NOX_RATE_LIMIT_ENABLED
	MetricsEnabled   bool          // NOX_METRICS_ENABLED
	AuditKey         string        // NOX_AUDIT_KEY
	AuditLogPath     string        // NOX_AUDIT_LOG. Overridden by the policy audit.log_file when set there.
	PolicyFile       string        // NOX_POLICY_FILE. Empty = built-in defaults.
	PolicyWatch      bool          // NOX_POLICY_WATCH
	BindAddr         string        // NOX_BIND_ADDR
	Port             int           // NOX_PORT
	EnableDocs       bool          // NOX_DOCS

	Python      string   // NOX_PYTHON
	OutputLimit int      // NOX_OUTPUT_LIMIT, bytes per stream.
	EnvExport   []string // NOX_ENV_EXPORT, parent variables passed to children.
	MaxCPU      int      // NOX_MAX_CPU_SECONDS, ulimit -t. 0 = no limit.
	MaxMemoryMB int      // NOX_MAX_MEMORY_MB, ulimit -v. 0 = no limit.

	TrustProxy      bool          // NOX_TRUST_PROXY, honour X-Forwarded-For.
	MetricsInterval time.Duration // NOX_METRICS_INTERVAL
	SSEHeartbeat    time.Duration // NOX_SSE_HEARTBEAT
	ListMaxItems    int           // NOX_LIST_MAX_ITEMS

	WebSocketEnabled bool // NOX_WS_ENABLED
	MCPEnabled       bool // NOX_MCP_ENABLED

	LogLevel  string // NOX_LOG_LEVEL: debug, info, warn, error.
	LogFormat string // NOX_LOG_FORMAT: json or text.

	Quota   QuotaStoreConfig
	Anomaly AnomalyConfig
	Tracing *TracingConfig // nil = tracing disabled
}

// AnomalyConfig configures the execution error-rate warning.
type AnomalyConfig struct {
	ErrorRateThreshold float64       // NOX_ANOMALY_ERROR_RATE, 0.0 to 1.0. 0 disables.
	Window             time.Duration // NOX_ANOMALY_WINDOW. Default: 5m
}

// QuotaStoreConfig selects the quota ledger backend.
type QuotaStoreConfig struct {
	Driver        string // NOX_QUOTA_STORE: memory (default), sqlite, postgres, redis.
	DSN           string // NOX_QUOTA_DSN: sqlite file path or postgres DSN.
	RedisAddr     string // NOX_REDIS_ADDR
	RedisPassword string // NOX_REDIS_PASSWORD
	RedisDB       int    // NOX_REDIS_DB
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string  // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  // "grpc" or "http". Default: "grpc"
	ServiceName string  // Default: "nox"
	SampleRate  float64 // 0.0 to 1.0. Default: 1.0
	Insecure    bool
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		SandboxRoot:      envString("NOX_SANDBOX", defaultSandbox),
		APIToken:         strings.TrimSpace(os.Getenv("NOX_API_TOKEN")),
		AuditKey:         envString("NOX_AUDIT_KEY", DefaultAuditKey),
		AuditLogPath:     envString("NOX_AUDIT_LOG", defaultAuditLog),
		PolicyFile:       os.Getenv("NOX_POLICY_FILE"),
		BindAddr:         envString("NOX_BIND_ADDR", defaultBindAddr),
		Python:           envString("NOX_PYTHON", defaultPython),
		EnvExport:        splitList(os.Getenv("NOX_ENV_EXPORT")),
		LogLevel:         envString("NOX_LOG_LEVEL", "info"),
		LogFormat:        envString("NOX_LOG_FORMAT", "json"),
		RateLimitEnabled: true,
		MetricsEnabled:   true,
		PolicyWatch:      true,
		WebSocketEnabled: true,
		Quota: QuotaStoreConfig{
			Driver:        envString("NOX_QUOTA_STORE", QuotaStoreMemory),
			DSN:           os.Getenv("NOX_QUOTA_DSN"),
			RedisAddr:     envString("NOX_REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("NOX_REDIS_PASSWORD"),
		},
	}

	var err error
	if cfg.Timeout, err = envDuration("NOX_TIMEOUT", defaultTimeout); err != nil {
		return nil, err
	}
	if cfg.MetricsInterval, err = envDuration("NOX_METRICS_INTERVAL", defaultMetricsInterval); err != nil {
		return nil, err
	}
	if cfg.SSEHeartbeat, err = envDuration("NOX_SSE_HEARTBEAT", defaultSSEHeartbeat); err != nil {
		return nil, err
	}
	if cfg.Anomaly.Window, err = envDuration("NOX_ANOMALY_WINDOW", defaultAnomalyWindow); err != nil {
		return nil, err
	}
	if cfg.Anomaly.ErrorRateThreshold, err = envFloat("NOX_ANOMALY_ERROR_RATE", 0.5); err != nil {
		return nil, err
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"NOX_RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled},
		{"NOX_METRICS_ENABLED", &cfg.MetricsEnabled},
		{"NOX_POLICY_WATCH", &cfg.PolicyWatch},
		{"NOX_WS_ENABLED", &cfg.WebSocketEnabled},
		{"NOX_MCP_ENABLED", &cfg.MCPEnabled},
		{"NOX_TRUST_PROXY", &cfg.TrustProxy},
		{"NOX_DOCS", &cfg.EnableDocs},
	} {
		if *b.dst, err = envBool(b.key, *b.dst); err != nil {
			return nil, err
		}
	}
	for _, n := range []struct {
		key string
		dst *int
		def int
	}{
		{"NOX_PORT", &cfg.Port, defaultPort},
		{"NOX_OUTPUT_LIMIT", &cfg.OutputLimit, defaultOutputLimit},
		{"NOX_LIST_MAX_ITEMS", &cfg.ListMaxItems, defaultListMaxItems},
		{"NOX_MAX_CPU_SECONDS", &cfg.MaxCPU, 0},
		{"NOX_MAX_MEMORY_MB", &cfg.MaxMemoryMB, 0},
		{"NOX_REDIS_DB", &cfg.Quota.RedisDB, 0},
	} {
		if *n.dst, err = envInt(n.key, n.def); err != nil {
			return nil, err
		}
	}

	tracing, err := envBool("NOX_TRACING_ENABLED", false)
	if err != nil {
		return nil, err
	}
	if tracing {
		insecure, err := envBool("NOX_TRACING_INSECURE", true)
		if err != nil {
			return nil, err
		}
		rate, err := envFloat("NOX_TRACING_SAMPLE_RATE", 1)
		if err != nil {
			return nil, err
		}
		cfg.Tracing = &TracingConfig{
			Enabled:     true,
			Endpoint:    envString("NOX_TRACING_ENDPOINT", "localhost:4317"),
			Protocol:    envString("NOX_TRACING_PROTOCOL", "grpc"),
			ServiceName: envString("NOX_TRACING_SERVICE_NAME", "nox"),
			SampleRate:  rate,
			Insecure:    insecure,
		}
	}

	if cfg.PolicyFile != "" {
		if cfg.PolicyFile, err = resolvePath(cfg.PolicyFile); err != nil {
			return nil, fmt.Errorf("resolving policy path: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

// UsingDefaultAuditKey reports whether audit records are signed with the
// built-in key.
func (c *Config) UsingDefaultAuditKey() bool {
	return c.AuditKey == DefaultAuditKey
}

// ChildEnv returns the KEY=VALUE pairs of exported parent variables that are
// actually set.
func (c *Config) ChildEnv() map[string]string {
	env := make(map[string]string, len(c.EnvExport))
	for _, k := range c.EnvExport {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}

func (c *Config) validate() error {
	if c.SandboxRoot == "" {
		return fmt.Errorf("NOX_SANDBOX must not be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("NOX_TIMEOUT must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("NOX_PORT %d out of range", c.Port)
	}
	if c.OutputLimit <= 0 {
		return fmt.Errorf("NOX_OUTPUT_LIMIT must be positive")
	}
	if c.ListMaxItems <= 0 {
		return fmt.Errorf("NOX_LIST_MAX_ITEMS must be positive")
	}
	if c.MetricsInterval <= 0 || c.SSEHeartbeat <= 0 {
		return fmt.Errorf("NOX_METRICS_INTERVAL and NOX_SSE_HEARTBEAT must be positive")
	}
	if c.Anomaly.ErrorRateThreshold < 0 || c.Anomaly.ErrorRateThreshold > 1 {
		return fmt.Errorf("NOX_ANOMALY_ERROR_RATE must be between 0 and 1")
	}
	if c.MaxCPU < 0 || c.MaxMemoryMB < 0 {
		return fmt.Errorf("resource limits must not be negative")
	}
	switch c.Quota.Driver {
	case QuotaStoreMemory, QuotaStoreRedis:
	case QuotaStoreSQLite, QuotaStorePostgres:
		if c.Quota.DSN == "" {
			return fmt.Errorf("NOX_QUOTA_DSN is required for quota store %q", c.Quota.Driver)
		}
	default:
		return fmt.Errorf("quota store %q is not supported (use memory, sqlite, postgres or redis)", c.Quota.Driver)
	}
	if c.Tracing != nil && c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		return fmt.Errorf("NOX_TRACING_PROTOCOL must be grpc or http")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("NOX_LOG_FORMAT must be json or text")
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// envString returns the trimmed value of key, or def when it is unset or
// blank.
func envString(key, def string) string {
	if v := strings.TrimSpace(goutils.Env(key, def)); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s: invalid boolean %q", key, v)
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// envDuration accepts a Go duration ("30s") or a bare number of seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
