package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jkaninda/nox/internal/tools"
)

// ---- ReadTool ----

// ReadTool reads files and lists directories inside the sandbox.
type ReadTool struct {
	svc    *Service
	logger *slog.Logger
}

// NewReadTool creates the read_file tool.
func NewReadTool(svc *Service, logger *slog.Logger) *ReadTool {
	return &ReadTool{svc: svc, logger: logger}
}

func (t *ReadTool) Name() string { return "read_file" }
func (t *ReadTool) Description() string {
	return "Read a file or list a directory inside the sandbox"
}
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path relative to the sandbox root"},
			"operation": map[string]any{"type": "string", "enum": []string{"read", "list"}, "description": "'read' for file contents, 'list' for a directory listing. Defaults to 'read'"},
			"encoding":  map[string]any{"type": "string", "enum": []string{EncodingUTF8, EncodingBase64}, "description": "Content encoding for 'read'"},
			"recursive": map[string]any{"type": "boolean", "description": "List the whole tree for 'list'"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Validate(params map[string]any) error {
	op := tools.OptionalString(params, "operation", "read")
	if op != "read" && op != "list" {
		return fmt.Errorf("operation must be \"read\" or \"list\", got %q", op)
	}
	if op == "read" {
		if _, err := tools.RequireString(params, "path"); err != nil {
			return err
		}
	}
	return nil
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path := tools.OptionalString(params, "path", "")
	op := tools.OptionalString(params, "operation", "read")

	t.logger.InfoContext(ctx, "read_file executing",
		slog.String("operation", op),
		slog.String("path", path),
	)

	if op == "list" {
		listing, err := t.svc.List(ctx, path, tools.OptionalBool(params, "recursive"))
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(listing)
		if err != nil {
			return nil, err
		}
		return &tools.Result{
			Output:   string(out),
			Success:  true,
			Metadata: map[string]any{"count": len(listing.Files), "truncated": listing.Truncated},
		}, nil
	}

	content, err := t.svc.Read(ctx, path, tools.OptionalString(params, "encoding", EncodingUTF8))
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  content.Content,
		Success: true,
		Metadata: map[string]any{
			"bytes":    content.Bytes,
			"encoding": content.Encoding,
		},
	}, nil
}

// ---- WriteTool ----

// WriteTool writes text files inside the sandbox.
type WriteTool struct {
	svc      *Service
	maxBytes func() int64
	logger   *slog.Logger
}

// NewWriteTool creates the write_file tool. maxBytes is consulted on every
// call so policy reloads apply.
func NewWriteTool(svc *Service, maxBytes func() int64, logger *slog.Logger) *WriteTool {
	return &WriteTool{svc: svc, maxBytes: maxBytes, logger: logger}
}

func (t *WriteTool) Name() string        { return "write_file" }
func (t *WriteTool) Description() string { return "Write text content to a file inside the sandbox" }
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the sandbox root"},
			"content": map[string]any{"type": "string", "description": "Content to write to the file"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "path"); err != nil {
		return err
	}
	if _, ok := params["content"].(string); !ok {
		return fmt.Errorf("parameter content must be a string")
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, _ := tools.RequireString(params, "path")
	content, _ := params["content"].(string)

	var limit int64
	if t.maxBytes != nil {
		limit = t.maxBytes()
	}
	res, err := t.svc.Upload(ctx, path, bytesReader([]byte(content)), limit)
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  fmt.Sprintf("wrote %d bytes to %s", res.Bytes, path),
		Success: true,
		Metadata: map[string]any{
			"saved": res.Saved,
			"bytes": res.Bytes,
		},
	}, nil
}

// ---- DeleteTool ----

// DeleteTool removes files and directories inside the sandbox.
type DeleteTool struct {
	svc    *Service
	logger *slog.Logger
}

// NewDeleteTool creates the delete_file tool.
func NewDeleteTool(svc *Service, logger *slog.Logger) *DeleteTool {
	return &DeleteTool{svc: svc, logger: logger}
}

func (t *DeleteTool) Name() string        { return "delete_file" }
func (t *DeleteTool) Description() string { return "Delete a file, or a directory with recursive=true" }
func (t *DeleteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path relative to the sandbox root"},
			"recursive": map[string]any{"type": "boolean", "description": "Required to delete a directory"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "path")
	return err
}

func (t *DeleteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, _ := tools.RequireString(params, "path")
	res, err := t.svc.Delete(ctx, path, tools.OptionalBool(params, "recursive"))
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:   fmt.Sprintf("deleted %s (%d entries)", path, res.Removed),
		Success:  true,
		Metadata: map[string]any{"deleted": res.Deleted, "removed": res.Removed},
	}, nil
}

var (
	_ tools.Tool = (*ReadTool)(nil)
	_ tools.Tool = (*WriteTool)(nil)
	_ tools.Tool = (*DeleteTool)(nil)
)
