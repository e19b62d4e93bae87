package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/nox/internal/config"
	"github.com/jkaninda/nox/internal/gateway/httpapi"
	"github.com/jkaninda/nox/internal/gateway/ws"
	"github.com/jkaninda/nox/internal/observability"
	"github.com/jkaninda/nox/internal/quota"
	"github.com/jkaninda/nox/internal/ratelimit"
	"github.com/jkaninda/nox/internal/sandbox"
	"github.com/jkaninda/nox/internal/secrets"
	"github.com/jkaninda/nox/internal/security"
	"github.com/jkaninda/nox/internal/storage"
	pgstore "github.com/jkaninda/nox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/nox/internal/storage/sqlite"
	"github.com/jkaninda/nox/internal/tools"
	"github.com/jkaninda/nox/internal/tools/code"
	"github.com/jkaninda/nox/internal/tools/file"
	mcptools "github.com/jkaninda/nox/internal/tools/mcp"
	"github.com/jkaninda/nox/internal/tools/shell"
	"github.com/jkaninda/nox/internal/workspace"
)

// App holds every initialized subsystem of the server. Built once by newApp,
// torn down by Cleanup.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Policies  *config.PolicyHolder
	Workspace *workspace.Workspace
	Obs       *observability.Observability
	Ledger    quota.Ledger
	Store     storage.Store // nil unless the quota store is sqlite or postgres.
	Audit     *security.AuditLogger
	Engine    *ratelimit.Engine
	Jobs      *observability.Jobs
	Gateway   *httpapi.Gateway

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (a *App) Cleanup() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func (a *App) addCleanup(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// newLogger builds the process logger from NOX_LOG_LEVEL and NOX_LOG_FORMAT.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// secretResolver handles env:// and file:// references, and vault:// when
// VAULT_ADDR is set.
func secretResolver() (*secrets.Resolver, error) {
	vault, err := secrets.NewVaultProvider(secrets.VaultConfigFromEnv())
	if err != nil {
		return nil, err
	}
	providers := []secrets.Provider{secrets.EnvProvider{}, secrets.FileProvider{}}
	if vault != nil {
		providers = append(providers, vault)
	}
	return secrets.NewResolver(providers...), nil
}

// resolveSecrets replaces credential references in cfg with the values
// they point to.
func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	r, err := secretResolver()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for name, field := range map[string]*string{
		"NOX_API_TOKEN":      &cfg.APIToken,
		"NOX_AUDIT_KEY":      &cfg.AuditKey,
		"NOX_REDIS_PASSWORD": &cfg.Quota.RedisPassword,
	} {
		v, err := r.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = v
	}
	return nil
}

// newApp initializes all subsystems. Callers must call Cleanup when done,
// also on error.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	// Policy.
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return app, fmt.Errorf("loading policy: %w", err)
	}
	app.Policies = config.NewPolicyHolder(policy)
	if cfg.PolicyFile != "" && cfg.PolicyWatch {
		go func() {
			if err := config.WatchPolicy(ctx, cfg.PolicyFile, app.Policies, logger); err != nil {
				logger.Error("policy watcher failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Workspace.
	wsp, err := workspace.New(cfg.SandboxRoot)
	if err != nil {
		return app, fmt.Errorf("initializing sandbox: %w", err)
	}
	app.Workspace = wsp
	logger.Info("sandbox ready", slog.String("root", wsp.Root))

	// Observability.
	obs, err := observability.New(cfg, logger)
	if err != nil {
		return app, err
	}
	app.Obs = obs
	app.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", slog.String("error", err.Error()))
		}
	})

	// Quota ledger and, for SQL stores, the audit mirror.
	var mirror security.AuditStore
	if err := app.initLedger(ctx); err != nil {
		return app, fmt.Errorf("initializing quota store: %w", err)
	}
	if app.Store != nil {
		mirror = app.Store.Audit()
	}

	// Audit.
	auditPath := cfg.AuditLogPath
	if policy.Audit.LogFile != "" {
		auditPath = policy.Audit.LogFile
	}
	audit, err := security.NewAuditLogger(security.AuditConfig{
		Path:   auditPath,
		Key:    cfg.AuditKey,
		OnFail: obs.Metrics.AuditFailed,
		Mirror: mirror,
	}, logger)
	if err != nil {
		return app, err
	}
	app.Audit = audit
	app.addCleanup(func() {
		if err := audit.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	if cfg.UsingDefaultAuditKey() {
		logger.Warn("audit records are signed with the default key; set NOX_AUDIT_KEY")
	}

	// Admission.
	app.Engine = ratelimit.NewEngine(ratelimit.EngineConfig{
		Limiter:          ratelimit.NewLimiter(ratelimit.DefaultWindow),
		Ledger:           app.Ledger,
		Policies:         app.Policies,
		RateLimitEnabled: cfg.RateLimitEnabled,
	}, logger)

	// Executors. Each kind is instrumented separately.
	base := sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		Root:           wsp.Root,
		DefaultTimeout: cfg.Timeout,
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.MaxCPU,
			MaxMemoryMB:   cfg.MaxMemoryMB,
		},
		OutputLimit: cfg.OutputLimit,
		Env:         cfg.ChildEnv(),
	}, logger)
	instrument := func(kind string) sandbox.Sandbox {
		return observability.NewInstrumentedSandbox(base, kind, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	cmdPolicy := security.NewCommandPolicy(app.Policies)

	files := file.NewService(wsp, file.Config{MaxListItems: cfg.ListMaxItems}, logger)
	python := code.NewRunner(code.Config{Interpreter: cfg.Python}, files, instrument(observability.KindPython), app.Engine, logger)
	shellRunner := shell.NewRunner(cmdPolicy, instrument(observability.KindShell), app.Engine, logger)
	gate := security.NewGate(cfg.APIToken)
	if !gate.Enabled() {
		logger.Warn("NOX_API_TOKEN is not set; authentication is disabled")
	}

	deps := httpapi.Deps{
		Workspace: wsp,
		Gate:      gate,
		Engine:    app.Engine,
		Policies:  app.Policies,
		Files:     files,
		Python:    python,
		Shell:     shellRunner,
		Audit:     audit,
		Obs:       obs,
	}

	if cfg.WebSocketEnabled {
		termRunner := shell.NewRunner(cmdPolicy, instrument(observability.KindTerminal), app.Engine, logger)
		deps.Terminal = ws.NewTerminal(ws.Config{}, gate, termRunner, app.Engine, logger)
	}

	if cfg.MCPEnabled {
		reg, err := tools.NewRegistry(
			file.NewReadTool(files, logger),
			file.NewWriteTool(files, func() int64 {
				return app.Policies.Current().Quotas.Default.MaxUploadBytes()
			}, logger),
			file.NewDeleteTool(files, logger),
			shell.NewTool(shellRunner, logger),
			code.NewTool(python, logger),
		)
		if err != nil {
			return app, err
		}
		srv, err := mcptools.NewServer(reg, version, logger)
		if err != nil {
			return app, fmt.Errorf("initializing mcp server: %w", err)
		}
		deps.MCP = srv.Handler()
	}

	// Readiness.
	obs.Health.AddCheck("sandbox", func(context.Context) error {
		info, err := os.Stat(wsp.Root)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", wsp.Root)
		}
		return nil
	})
	switch {
	case app.Store != nil:
		obs.Health.AddCheck("quota_store", app.Store.Ping)
	default:
		if p, ok := app.Ledger.(interface{ Ping(context.Context) error }); ok {
			obs.Health.AddCheck("quota_store", p.Ping)
		}
	}

	// Background jobs.
	app.Jobs = observability.NewJobs(logger)
	if obs.Metrics != nil {
		app.Jobs.Every("sandbox_stats", cfg.MetricsInterval, observability.RefreshSandboxStats(wsp, obs.Metrics, logger))
	}
	app.Jobs.Every("admission_sweep", ratelimit.DefaultWindow, app.Engine.Sweep)

	app.Gateway = httpapi.NewGateway(httpapi.Config{
		ListenAddr:   cfg.ListenAddr(),
		EnableDocs:   cfg.EnableDocs,
		TrustProxy:   cfg.TrustProxy,
		SSEHeartbeat: cfg.SSEHeartbeat,
		ExecTimeout:  cfg.Timeout,
		Version:      version,
	}, deps, logger)

	return app, nil
}

// initLedger opens the configured quota store.
func (a *App) initLedger(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger
	switch cfg.Quota.Driver {
	case config.QuotaStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Quota.RedisAddr,
			Password: cfg.Quota.RedisPassword,
			DB:       cfg.Quota.RedisDB,
		})
		a.addCleanup(func() { _ = client.Close() })
		ledger := quota.NewRedisLedger(client, "")
		if err := ledger.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Quota.RedisAddr, err)
		}
		a.Ledger = ledger
		logger.Info("quota store ready", slog.String("driver", "redis"), slog.String("addr", cfg.Quota.RedisAddr))
		return nil

	case config.QuotaStoreSQLite, config.QuotaStorePostgres:
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		a.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		a.Store = store
		a.Ledger = store.Quota()
		logger.Info("quota store ready", slog.String("driver", store.Driver()))
		return nil

	default:
		a.Ledger = quota.NewMemoryLedger()
		return nil
	}
}

// openStore opens the SQL store named by the quota driver.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Quota.Driver {
	case config.QuotaStoreSQLite:
		s, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Quota.DSN}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.QuotaStorePostgres:
		s, err := pgstore.Open(pgstore.Config{DSN: cfg.Quota.DSN}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("quota store %q has no SQL backend", cfg.Quota.Driver)
	}
}
