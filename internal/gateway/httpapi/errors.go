package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/nox/internal/quota"
	"github.com/jkaninda/nox/internal/ratelimit"
	"github.com/jkaninda/nox/internal/sandbox"
	"github.com/jkaninda/nox/internal/security"
	"github.com/jkaninda/nox/internal/tools/file"
	"github.com/jkaninda/nox/internal/workspace"
)

// ErrorBody is the body of every error response.
type ErrorBody struct {
	Detail string `json:"detail"`
}

const internalErrorDetail = "internal error"

// errorMapping pairs a sentinel with its status and client-facing detail.
// Order matters: the first match wins.
var errorMapping = []struct {
	err    error
	status int
	detail string
}{
	{security.ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{workspace.ErrPathEscape, http.StatusBadRequest, "Path escapes sandbox"},
	{security.ErrEmptyCommand, http.StatusBadRequest, "Empty command"},
	{security.ErrMalformedCommand, http.StatusBadRequest, "Malformed command"},
	{security.ErrForbiddenCommand, http.StatusForbidden, "Forbidden command"},
	{file.ErrNotFound, http.StatusNotFound, "Path not found"},
	{file.ErrIsDirectory, http.StatusBadRequest, "Path is not a file"},
	{file.ErrNotDirectoryRequest, http.StatusBadRequest, "Directory removal requires recursive=true"},
	{file.ErrRootRemoval, http.StatusBadRequest, "Refusing to delete the sandbox root"},
	{file.ErrDecode, http.StatusBadRequest, "File is not valid UTF-8 text"},
	{file.ErrTooLarge, http.StatusRequestEntityTooLarge, "File too large"},
	{sandbox.ErrTimeout, http.StatusRequestTimeout, "Timeout"},
	{ratelimit.ErrRateLimited, http.StatusTooManyRequests, "Too many requests. Please try again later."},
	{quota.ErrQuotaExceeded, http.StatusTooManyRequests, "Daily quota exceeded"},
	{errBadRequest, http.StatusBadRequest, ""},
}

// errBadRequest marks malformed request input; its message is the detail.
var errBadRequest = errors.New("bad request")

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }
func (e *badRequestError) Unwrap() error { return errBadRequest }

func badRequest(msg string) error { return &badRequestError{msg: msg} }

// classify maps err to a status and client detail. Unknown errors are 500
// with a generic detail.
func classify(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			if m.detail == "" {
				return m.status, err.Error()
			}
			return m.status, m.detail
		}
	}
	return http.StatusInternalServerError, internalErrorDetail
}

// writeError classifies err, remembers it for the audit record and writes the
// {"detail": ...} body. Rate-limited responses carry Retry-After.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := classify(err)
	if info := InfoFromContext(r.Context()); info != nil {
		info.Err = err
	}

	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds()))
	}

	if status == http.StatusInternalServerError {
		g.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("endpoint", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
