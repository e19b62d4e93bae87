package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/nox/internal/workspace"
)

// Jobs runs periodic maintenance: sandbox gauge refresh, counter sweeps.
// A run that is still going when the next tick fires is skipped.
type Jobs struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewJobs creates an idle job runner.
func NewJobs(logger *slog.Logger) *Jobs {
	cl := cronLogger{logger: logger}
	return &Jobs{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// Every schedules fn at a fixed interval. Intervals are rounded down to the
// second, with a one second minimum.
func (j *Jobs) Every(name string, interval time.Duration, fn func()) {
	j.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
	j.logger.Debug("job scheduled",
		slog.String("job", name),
		slog.Duration("interval", interval),
	)
}

// Start runs the scheduler in its own goroutine.
func (j *Jobs) Start() { j.cron.Start() }

// Stop stops scheduling and waits for running jobs until ctx is done.
func (j *Jobs) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RefreshSandboxStats walks the sandbox and publishes the result to the
// sandbox gauges.
func RefreshSandboxStats(ws *workspace.Workspace, m *MetricsCollector, logger *slog.Logger) func() {
	return func() {
		u, err := ws.Usage()
		if err != nil {
			logger.Warn("sandbox stats refresh failed", slog.String("error", err.Error()))
			return
		}
		m.SetSandboxStats(SandboxStats{Files: u.Files, Bytes: u.Bytes})
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
