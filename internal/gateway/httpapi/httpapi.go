// Package httpapi implements the nox HTTP API.
//
// Every route runs through the request pipeline:
//   - correlation id (X-Request-ID echoed or generated)
//   - bearer credential check (constant-time comparison)
//   - sliding-window rate limits and the daily quota
//   - metrics and a signed audit record for every request
//
// TLS is expected to be terminated by a reverse proxy.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/nox/internal/config"
	"github.com/jkaninda/nox/internal/gateway"
	"github.com/jkaninda/nox/internal/observability"
	"github.com/jkaninda/nox/internal/ratelimit"
	"github.com/jkaninda/nox/internal/security"
	"github.com/jkaninda/nox/internal/tools/code"
	"github.com/jkaninda/nox/internal/tools/file"
	"github.com/jkaninda/nox/internal/tools/shell"
	"github.com/jkaninda/nox/internal/workspace"
)

const defaultMaxMultipartMemory = 1 << 20 // 1 MB

// Config configures the HTTP API.
type Config struct {
	ListenAddr   string // e.g., "127.0.0.1:8080"
	EnableDocs   bool
	TrustProxy   bool          // Take the client address from X-Forwarded-For.
	SSEHeartbeat time.Duration // Idle interval between keep-alive comments on /logs/tail.
	ExecTimeout  time.Duration // Longest run of a single execution; bounds the write deadline.
	Version      string
}

const (
	minWriteTimeout = 120 * time.Second
	// writeSlack covers process teardown, pipe draining and encoding the
	// response after the execution deadline fires.
	writeSlack = 15 * time.Second
)

// writeTimeout returns a write deadline long enough for an execution that
// runs until exec elapses.
func writeTimeout(exec time.Duration) time.Duration {
	if d := exec + writeSlack; d > minWriteTimeout {
		return d
	}
	return minWriteTimeout
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Workspace *workspace.Workspace
	Gate      *security.Gate
	Engine    *ratelimit.Engine
	Policies  *config.PolicyHolder
	Files     *file.Service
	Python    *code.Runner
	Shell     *shell.Runner
	Audit     *security.AuditLogger        // nil = audit disabled
	Obs       *observability.Observability // nil = no metrics, tracing or readiness checks
	Terminal  http.Handler                 // nil = /ws/terminal not mounted
	MCP       http.Handler                 // nil = /mcp not mounted
}

// Gateway is the HTTP API server.
type Gateway struct {
	config Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
	okapi  *okapi.Okapi
}

// route is one endpoint of the API.
type route struct {
	method  string
	path    string
	handler http.HandlerFunc
}

// NewGateway creates the HTTP API.
func NewGateway(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if deps.Obs == nil {
		deps.Obs = &observability.Observability{}
	}
	if deps.Obs.Health == nil {
		deps.Obs.Health = observability.NewHealthChecker(logger)
	}
	return &Gateway{
		config: cfg,
		deps:   deps,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxMultipartMemory)),
	}
}

// routes lists every endpoint in registration order.
func (g *Gateway) routes() []route {
	rs := []route{
		{http.MethodGet, "/health", g.handleHealth},
		{http.MethodGet, "/readyz", g.handleReadiness},
		{http.MethodGet, "/metrics", g.deps.Obs.Metrics.Handler().ServeHTTP},
		{http.MethodPost, "/put", g.handlePut},
		{http.MethodPost, "/run_py", g.handleRunPython},
		{http.MethodPost, "/run_sh", g.handleRunShell},
		{http.MethodGet, "/list", g.handleList},
		{http.MethodGet, "/cat", g.handleCat},
		{http.MethodDelete, "/delete", g.handleDelete},
		{http.MethodGet, "/quota", g.handleQuota},
		{http.MethodGet, "/logs/tail", g.handleLogTail},
	}
	if g.deps.Terminal != nil {
		rs = append(rs, route{http.MethodGet, "/ws/terminal", g.deps.Terminal.ServeHTTP})
	}
	if g.deps.MCP != nil {
		// Streamable HTTP uses POST for calls, GET for the event stream and
		// DELETE to end a session.
		for _, m := range []string{http.MethodPost, http.MethodGet, http.MethodDelete} {
			rs = append(rs, route{m, "/mcp", g.deps.MCP.ServeHTTP})
		}
	}
	return rs
}

// Handler returns the API on a standard mux with the full pipeline applied.
// The server itself routes through okapi; this is the same route table for
// in-process use.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range g.routes() {
		mux.HandleFunc(rt.method+" "+rt.path, rt.handler)
	}
	return observability.Middleware(g.deps.Obs.Metrics, g.deps.Obs.Tracer)(g.pipeline(mux))
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(observability.Middleware(g.deps.Obs.Metrics, g.deps.Obs.Tracer))
	g.okapi.UseMiddleware(g.pipeline)

	for _, rt := range g.routes() {
		g.okapi.HandleStd(rt.method, rt.path, rt.handler)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "nox",
			Version: g.config.Version,
		})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Streaming handlers clear the deadline themselves.
		WriteTimeout: writeTimeout(g.config.ExecTimeout),
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Bool("auth", g.deps.Gate.Enabled()),
		slog.Bool("audit", g.auditEnabled()),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.server.Shutdown(ctx)
}

var _ gateway.Gateway = (*Gateway)(nil)
