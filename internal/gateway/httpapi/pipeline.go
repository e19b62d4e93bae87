package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/nox/internal/observability"
	"github.com/jkaninda/nox/internal/quota"
	"github.com/jkaninda/nox/internal/ratelimit"
	"github.com/jkaninda/nox/internal/security"
	"github.com/jkaninda/nox/internal/tools"
)

// HeaderRequestID carries the correlation id in both directions.
const HeaderRequestID = "X-Request-ID"

const maxRequestIDLen = 128

// Rejection reasons, used as the admission_rejections_total label.
const (
	RejectUnauthorized  = "unauthorized"
	RejectRateLimited   = "rate_limited"
	RejectQuotaExceeded = "quota_exceeded"
)

// publicPaths skip the credential check. The terminal authenticates itself
// from its query string.
var publicPaths = map[string]bool{
	"/health":      true,
	"/readyz":      true,
	"/metrics":     true,
	"/ws/terminal": true,
}

// RequestInfo is the per-request state threaded through the pipeline.
type RequestInfo struct {
	ID          string
	ClientIP    string
	Token       string // Presented credential, empty when none.
	Fingerprint string // Token id; security.AnonymousID without a credential.
	Method      string
	Endpoint    string
	Start       time.Time
	Rejection   string // Set when admission short-circuited the request.
	Err         error  // Error reported to the client, if any.
}

// quotaKey is the fingerprint quota and CPU are charged to, empty for
// anonymous requests.
func (i *RequestInfo) quotaKey() string {
	if i.Token == "" {
		return ""
	}
	return i.Fingerprint
}

type ctxKey struct{}

// InfoFromContext returns the request state, or nil outside the pipeline.
func InfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(ctxKey{}).(*RequestInfo)
	return info
}

// RequestID returns the correlation id of the request in ctx.
func RequestID(ctx context.Context) string {
	if info := InfoFromContext(ctx); info != nil {
		return info.ID
	}
	return ""
}

// pipeline runs every request through correlation, auth and admission, then
// records metrics and the audit trail once the handler has answered.
func (g *Gateway) pipeline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &RequestInfo{
			ID:          requestID(r.Header.Get(HeaderRequestID)),
			ClientIP:    clientIP(r, g.config.TrustProxy),
			Fingerprint: security.AnonymousID,
			Method:      r.Method,
			Endpoint:    r.URL.Path,
			Start:       time.Now(),
		}
		w.Header().Set(HeaderRequestID, info.ID)

		rec := newRecorder(w)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, info))
		defer g.finish(rec, r, info)

		if !g.admit(rec, r, info) {
			return
		}
		r = r.WithContext(tools.ContextWithCaller(r.Context(), info.quotaKey()))
		next.ServeHTTP(rec, r)
	})
}

// admit applies the credential gate and the rate/quota engine. It writes the
// rejection and returns false when the request must not reach its handler.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, info *RequestInfo) bool {
	header := r.Header.Get("Authorization")
	if publicPaths[info.Endpoint] {
		info.Token, _ = security.BearerToken(header)
	} else {
		token, err := g.deps.Gate.Check(header)
		if err != nil {
			g.reject(w, r, info, RejectUnauthorized, err)
			return false
		}
		info.Token = token
	}
	info.Fingerprint = security.Fingerprint(info.Token)

	if info.Endpoint == "/metrics" {
		return true
	}

	_, err := g.deps.Engine.Admit(r.Context(), ratelimit.Subject{
		Addr:        info.ClientIP,
		Fingerprint: info.quotaKey(),
		Endpoint:    info.Endpoint,
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, ratelimit.ErrRateLimited):
		g.reject(w, r, info, RejectRateLimited, err)
	case errors.Is(err, quota.ErrQuotaExceeded):
		g.reject(w, r, info, RejectQuotaExceeded, err)
	default:
		g.writeError(w, r, fmt.Errorf("admission: %w", err))
	}
	return false
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, info *RequestInfo, reason string, err error) {
	info.Rejection = reason
	g.deps.Obs.Metrics.RecordRejection(reason)
	g.logger.InfoContext(r.Context(), "request rejected",
		slog.String("request_id", info.ID),
		slog.String("client_ip", info.ClientIP),
		slog.String("endpoint", info.Endpoint),
		slog.String("reason", reason),
	)
	g.writeError(w, r, err)
}

// finish records the outcome of a request, admitted or not.
func (g *Gateway) finish(rec *recorder, r *http.Request, info *RequestInfo) {
	elapsed := time.Since(info.Start)
	status := rec.Status()

	g.deps.Obs.Metrics.ObserveRequest(observability.EndpointLabel(info.Endpoint), info.Method, status, elapsed.Seconds())

	g.logger.DebugContext(r.Context(), "request completed",
		slog.String("request_id", info.ID),
		slog.String("method", info.Method),
		slog.String("endpoint", info.Endpoint),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
	)

	// Scrapes skip auth and admission; there is no decision to record.
	if info.Endpoint == "/metrics" || !g.auditEnabled() {
		return
	}
	ar := security.AuditRecord{
		ClientIP:     info.ClientIP,
		Endpoint:     info.Endpoint,
		Method:       info.Method,
		QueryParams:  queryParams(r),
		RequestID:    info.ID,
		ResponseCode: status,
		TokenID:      info.Fingerprint,
		UserAgent:    r.UserAgent(),
	}
	ar.Stamp(info.Start)
	ar.SetDuration(elapsed)
	if info.Err != nil {
		ar.ErrorMessage = info.Err.Error()
	}
	g.deps.Audit.Record(ar)
}

func (g *Gateway) auditEnabled() bool {
	return g.deps.Audit != nil && g.deps.Policies.Current().Audit.Enabled
}

// queryParams flattens the query string to its first values. Credentials
// passed in the query are redacted.
func queryParams(r *http.Request) map[string]string {
	q := r.URL.Query()
	params := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) == 0 {
			continue
		}
		if strings.EqualFold(k, "token") {
			params[k] = "[redacted]"
			continue
		}
		params[k] = v[0]
	}
	return params
}

// requestID echoes a well-formed client id or generates a new one.
func requestID(candidate string) string {
	if validRequestID(candidate) {
		return candidate
	}
	return uuid.NewString()
}

func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// clientIP returns the peer address, or the first X-Forwarded-For hop when
// the proxy is trusted.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recorder captures the response status while passing through the optional
// interfaces streaming and WebSocket handlers rely on.
type recorder struct {
	http.ResponseWriter
	status int
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w}
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil && r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Status returns the written status, 200 when the handler wrote nothing.
func (r *recorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
