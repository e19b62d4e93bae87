package file

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTools_WriteReadDelete(t *testing.T) {
	svc, _ := newTestService(t, 0)
	logger := svc.logger
	ctx := context.Background()

	write := NewWriteTool(svc, func() int64 { return 1 << 20 }, logger)
	read := NewReadTool(svc, logger)
	del := NewDeleteTool(svc, logger)

	params := map[string]any{"path": "notes/a.md", "content": "# hi"}
	if err := write.Validate(params); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := write.Execute(ctx, params); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := read.Execute(ctx, map[string]any{"path": "notes/a.md"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Output != "# hi" {
		t.Errorf("read output = %q", res.Output)
	}

	res, err = read.Execute(ctx, map[string]any{"path": "", "operation": "list", "recursive": true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(res.Output, `"notes/a.md"`) {
		t.Errorf("list output = %s", res.Output)
	}

	if _, err := del.Execute(ctx, map[string]any{"path": "notes", "recursive": true}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := read.Execute(ctx, map[string]any{"path": "notes/a.md"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("read after delete = %v", err)
	}
}

func TestTools_Validate(t *testing.T) {
	svc, _ := newTestService(t, 0)
	read := NewReadTool(svc, svc.logger)
	write := NewWriteTool(svc, nil, svc.logger)

	if err := read.Validate(map[string]any{"path": "x", "operation": "exec"}); err == nil {
		t.Error("unknown operation accepted")
	}
	if err := read.Validate(map[string]any{"operation": "list"}); err != nil {
		t.Errorf("list of root rejected: %v", err)
	}
	if err := write.Validate(map[string]any{"path": "x"}); err == nil {
		t.Error("write without content accepted")
	}
}

func TestWriteTool_RespectsLimit(t *testing.T) {
	svc, _ := newTestService(t, 0)
	write := NewWriteTool(svc, func() int64 { return 4 }, svc.logger)
	_, err := write.Execute(context.Background(), map[string]any{"path": "x", "content": "12345"})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}
