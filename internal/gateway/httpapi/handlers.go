package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/nox/internal/sandbox"
	"github.com/jkaninda/nox/internal/security"
	"github.com/jkaninda/nox/internal/tools/file"
)

// maxJSONBody caps the body of the JSON endpoints.
const maxJSONBody = 4 << 20

// uploadField is the multipart field carrying the file.
const uploadField = "f"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Sandbox string `json:"sandbox"`
}

// RunPythonRequest is the body of POST /run_py.
type RunPythonRequest struct {
	Code     *string `json:"code"`
	Filename string  `json:"filename,omitempty"`
}

// RunShellRequest is the body of POST /run_sh.
type RunShellRequest struct {
	Cmd string `json:"cmd"`
}

// ExecutionResponse is the body of a completed execution.
type ExecutionResponse struct {
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Truncated  bool   `json:"truncated"`
}

// QuotaResponse is the body of GET /quota.
type QuotaResponse struct {
	TokenID         string    `json:"token_id"`
	Requests        int       `json:"requests"`
	CPUSeconds      float64   `json:"cpu_seconds"`
	WindowStart     time.Time `json:"window_start"`
	ResetsAt        time.Time `json:"resets_at"`
	DailyRequests   int       `json:"daily_requests"`
	DailyCPUSeconds float64   `json:"daily_cpu_seconds"`
	MaxUploadSizeMB int       `json:"max_upload_size_mb"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Sandbox: g.deps.Workspace.Root})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := g.deps.Obs.Health.CheckReady(r.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (g *Gateway) handlePut(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		g.writeError(w, r, badRequest("path is required"))
		return
	}
	maxBytes := g.deps.Policies.Current().Quotas.Default.MaxUploadBytes()
	if maxBytes > 0 && r.ContentLength > maxBytes+multipartSlack {
		g.writeError(w, r, fmt.Errorf("%w: %d bytes", file.ErrTooLarge, r.ContentLength))
		return
	}

	part, err := uploadPart(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	defer part.Close()

	res, err := g.deps.Files.Upload(r.Context(), rel, part, maxBytes)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// multipartSlack allows for multipart framing on top of the file itself
// when rejecting on Content-Length alone.
const multipartSlack = 64 << 10

// uploadPart returns the reader of the upload field, streaming the body
// rather than buffering it.
func uploadPart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest("multipart form with field \"f\" is required")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, badRequest("multipart field \"f\" is missing")
		}
		if err != nil {
			return nil, badRequest("malformed multipart body")
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		_ = part.Close()
	}
}

func (g *Gateway) handleRunPython(w http.ResponseWriter, r *http.Request) {
	var req RunPythonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Code == nil {
		g.writeError(w, r, badRequest("code is required"))
		return
	}
	res, err := g.deps.Python.RunPython(r.Context(), *req.Code, req.Filename)
	g.writeExecution(w, r, res, err)
}

func (g *Gateway) handleRunShell(w http.ResponseWriter, r *http.Request) {
	var req RunShellRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.deps.Shell.RunShell(r.Context(), req.Cmd)
	g.writeExecution(w, r, res, err)
}

func (g *Gateway) writeExecution(w http.ResponseWriter, r *http.Request, res *sandbox.ExecutionResult, err error) {
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecutionResponse{
		ReturnCode: res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Truncated:  res.Truncated,
	})
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	recursive, err := boolParam(r, "recursive")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	listing, err := g.deps.Files.List(r.Context(), r.URL.Query().Get("path"), recursive)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (g *Gateway) handleCat(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("path") == "" {
		g.writeError(w, r, badRequest("path is required"))
		return
	}
	content, err := g.deps.Files.Read(r.Context(), q.Get("path"), q.Get("encoding"))
	if errors.Is(err, file.ErrNotFound) {
		if info := InfoFromContext(r.Context()); info != nil {
			info.Err = err
		}
		writeJSON(w, http.StatusNotFound, ErrorBody{Detail: "File not found"})
		return
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	recursive, err := boolParam(r, "recursive")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	res, err := g.deps.Files.Delete(r.Context(), r.URL.Query().Get("path"), recursive)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.InfoContext(r.Context(), "path deleted",
		slog.String("request_id", RequestID(r.Context())),
		slog.String("path", g.deps.Workspace.Relative(res.Deleted)),
		slog.Int("removed", res.Removed),
	)
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleQuota(w http.ResponseWriter, r *http.Request) {
	info := InfoFromContext(r.Context())
	if info == nil || info.Token == "" {
		g.writeError(w, r, fmt.Errorf("%w: quota requires a credential", security.ErrUnauthorized))
		return
	}
	usage, err := g.deps.Engine.Usage(r.Context(), info.Fingerprint)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	limits := g.deps.Policies.Current().Quotas.Default
	resp := QuotaResponse{
		TokenID:         info.Fingerprint,
		Requests:        usage.Requests,
		CPUSeconds:      usage.CPUSeconds,
		WindowStart:     usage.WindowStart,
		DailyRequests:   limits.DailyRequests,
		DailyCPUSeconds: limits.DailyCPUSeconds,
		MaxUploadSizeMB: limits.MaxUploadSizeMB,
	}
	if !usage.WindowStart.IsZero() {
		resp.ResetsAt = usage.ResetsAt()
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeJSON strictly decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return badRequest("request body too large")
		}
		return badRequest("invalid request body")
	}
	return nil
}

func boolParam(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest(fmt.Sprintf("%s must be a boolean", key))
	}
	return b, nil
}
