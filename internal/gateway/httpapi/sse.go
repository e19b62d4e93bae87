package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/nox/internal/security"
)

const defaultSSEHeartbeat = 15 * time.Second

// handleLogTail streams audit lines appended after the request started as
// server-sent events. A comment frame is sent whenever the stream has been
// idle for the heartbeat interval.
func (g *Gateway) handleLogTail(w http.ResponseWriter, r *http.Request) {
	if !g.auditEnabled() {
		if info := InfoFromContext(r.Context()); info != nil {
			info.Err = fmt.Errorf("audit disabled")
		}
		writeJSON(w, http.StatusNotFound, ErrorBody{Detail: "Audit log disabled"})
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	lines := make(chan string, 64)
	tailErr := make(chan error, 1)
	go func() {
		tailErr <- security.TailFile(ctx, g.deps.Audit.Path(), lines)
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := g.config.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultSSEHeartbeat
	}
	idle := time.NewTimer(heartbeat)
	defer idle.Stop()

	for {
		var frame string
		select {
		case <-ctx.Done():
			return
		case err := <-tailErr:
			if err != nil {
				g.logger.WarnContext(ctx, "audit tail stopped",
					slog.String("request_id", RequestID(ctx)),
					slog.String("error", err.Error()),
				)
			}
			return
		case line := <-lines:
			frame = "data: " + line + "\n\n"
		case <-idle.C:
			frame = ": keep-alive\n\n"
		}
		if _, err := fmt.Fprint(w, frame); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
		idle.Reset(heartbeat)
	}
}
