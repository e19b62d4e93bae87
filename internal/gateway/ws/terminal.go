// Package ws implements the WebSocket command terminal.
//
// A client connects to /ws/terminal?token=<credential>, sends JSON messages
// of the form {"cmd": "ls -la"} and receives one JSON outcome frame per
// command. Commands go through the same command policy, admission engine and
// sandbox as POST /run_sh.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/jkaninda/nox/internal/gateway/httpapi"
	"github.com/jkaninda/nox/internal/quota"
	"github.com/jkaninda/nox/internal/ratelimit"
	"github.com/jkaninda/nox/internal/sandbox"
	"github.com/jkaninda/nox/internal/security"
	"github.com/jkaninda/nox/internal/tools"
	"github.com/jkaninda/nox/internal/tools/shell"
)

// StatusUnauthorized is the close code sent when the credential is rejected.
const StatusUnauthorized websocket.StatusCode = 4001

// Endpoint is the path the terminal is mounted on.
const Endpoint = "/ws/terminal"

const (
	defaultMessagesPerSecond = 5
	defaultBurst             = 10
	defaultReadLimit         = 64 << 10
	defaultPingInterval      = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

// Frame types.
const (
	FrameResult = "result"
	FrameError  = "error"
)

// Command is a client message.
type Command struct {
	ID  string `json:"id,omitempty"`
	Cmd string `json:"cmd"`
}

// Frame is a server message: either the outcome of a command or an error.
type Frame struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	ReturnCode *int   `json:"returncode,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Config configures the terminal.
type Config struct {
	MessagesPerSecond float64       // Per-connection command rate. Default 5.
	Burst             int           // Default 10.
	ReadLimit         int64         // Max message size in bytes. Default 64 KiB.
	PingInterval      time.Duration // Default 30s.
	OriginPatterns    []string      // Extra allowed Origin hosts for browser clients.
}

// Terminal serves the WebSocket terminal.
type Terminal struct {
	cfg    Config
	gate   *security.Gate
	shell  *shell.Runner
	engine *ratelimit.Engine
	logger *slog.Logger
}

// NewTerminal creates a terminal. engine may be nil to skip admission per
// command.
func NewTerminal(cfg Config, gate *security.Gate, runner *shell.Runner, engine *ratelimit.Engine, logger *slog.Logger) *Terminal {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Terminal{
		cfg:    cfg,
		gate:   gate,
		shell:  runner,
		engine: engine,
		logger: logger,
	}
}

// session is the state of one connection.
type session struct {
	conn        *websocket.Conn
	clientIP    string
	fingerprint string // empty when no credential was presented
	requestID   string
	limiter     *rate.Limiter
}

// ServeHTTP upgrades the connection and runs the command loop.
func (t *Terminal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Connections outlive the server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: t.cfg.OriginPatterns,
	})
	if err != nil {
		t.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	token := r.URL.Query().Get("token")
	if err := t.gate.CheckToken(token); err != nil {
		t.logger.Info("terminal rejected",
			slog.String("request_id", httpapi.RequestID(r.Context())),
			slog.String("reason", "unauthorized"),
		)
		conn.Close(StatusUnauthorized, "Unauthorized")
		return
	}
	conn.SetReadLimit(t.cfg.ReadLimit)

	s := &session{
		conn:      conn,
		clientIP:  r.RemoteAddr,
		requestID: httpapi.RequestID(r.Context()),
		limiter:   rate.NewLimiter(rate.Limit(t.cfg.MessagesPerSecond), t.cfg.Burst),
	}
	if info := httpapi.InfoFromContext(r.Context()); info != nil {
		s.clientIP = info.ClientIP
	}
	if token != "" {
		s.fingerprint = security.Fingerprint(token)
	}
	t.run(r.Context(), s)
}

func (t *Terminal) run(ctx context.Context, s *session) {
	defer s.conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx = tools.ContextWithCaller(ctx, s.fingerprint)
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go t.pingLoop(pingCtx, s)

	t.logger.Info("terminal connected",
		slog.String("request_id", s.requestID),
		slog.String("client_ip", s.clientIP),
	)

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				t.logger.Info("terminal disconnected", slog.String("request_id", s.requestID))
			} else {
				t.logger.Debug("terminal connection error",
					slog.String("request_id", s.requestID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if typ != websocket.MessageText {
			if !t.write(ctx, s, Frame{Type: FrameError, Detail: "text messages only"}) {
				return
			}
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			if !t.write(ctx, s, Frame{Type: FrameError, Detail: "invalid message"}) {
				return
			}
			continue
		}
		if !t.write(ctx, s, t.execute(ctx, s, cmd)) {
			return
		}
	}
}

// execute runs one command and returns its outcome frame.
func (t *Terminal) execute(ctx context.Context, s *session, cmd Command) Frame {
	if !s.limiter.Allow() {
		return Frame{Type: FrameError, ID: cmd.ID, Detail: "Too many requests. Please try again later."}
	}
	if t.engine != nil {
		_, err := t.engine.Admit(ctx, ratelimit.Subject{
			Addr:        s.clientIP,
			Fingerprint: s.fingerprint,
			Endpoint:    Endpoint,
		})
		if err != nil {
			return Frame{Type: FrameError, ID: cmd.ID, Detail: errorDetail(err)}
		}
	}

	res, err := t.shell.RunShell(ctx, cmd.Cmd)
	if err != nil {
		if d := errorDetail(err); d == internalDetail {
			t.logger.Error("terminal command failed",
				slog.String("request_id", s.requestID),
				slog.String("error", err.Error()),
			)
		}
		return Frame{Type: FrameError, ID: cmd.ID, Detail: errorDetail(err)}
	}
	code := res.ExitCode
	return Frame{
		Type:       FrameResult,
		ID:         cmd.ID,
		ReturnCode: &code,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Truncated:  res.Truncated,
	}
}

const internalDetail = "internal error"

// errorDetail maps a command error to the detail the HTTP API would return.
func errorDetail(err error) string {
	switch {
	case errors.Is(err, security.ErrEmptyCommand):
		return "Empty command"
	case errors.Is(err, security.ErrMalformedCommand):
		return "Malformed command"
	case errors.Is(err, security.ErrForbiddenCommand):
		return "Forbidden command"
	case errors.Is(err, sandbox.ErrTimeout):
		return "Timeout"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "Too many requests. Please try again later."
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "Daily quota exceeded"
	default:
		return internalDetail
	}
}

func (t *Terminal) write(ctx context.Context, s *session, f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		t.logger.Debug("terminal write failed",
			slog.String("request_id", s.requestID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (t *Terminal) pingLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				t.logger.Debug("terminal ping failed",
					slog.String("request_id", s.requestID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}
