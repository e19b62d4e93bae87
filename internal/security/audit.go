package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultAuditBuffer = 1024
	mirrorTimeout      = 5 * time.Second
)

// AuditRecord is one line of the audit trail.
//
// Fields are declared in JSON key order so that the marshalled form is the
// canonical form the signature is computed over.
type AuditRecord struct {
	ClientIP        string            `json:"client_ip"`
	Endpoint        string            `json:"endpoint"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ExecutionTimeMS float64           `json:"execution_time_ms"`
	Signature       string            `json:"hmac_signature,omitempty"`
	Method          string            `json:"method"`
	QueryParams     map[string]string `json:"query_params"`
	RequestID       string            `json:"request_id"`
	ResponseCode    int               `json:"response_code"`
	Timestamp       string            `json:"timestamp"`
	TimestampUnix   float64           `json:"timestamp_unix"`
	TokenID         string            `json:"token_id"`
	UserAgent       string            `json:"user_agent"`
}

// Stamp sets both timestamp fields from t.
func (r *AuditRecord) Stamp(t time.Time) {
	t = t.UTC()
	r.Timestamp = t.Format(time.RFC3339Nano)
	r.TimestampUnix = float64(t.UnixMicro()) / 1e6
}

// SetDuration records an execution time in milliseconds with microsecond precision.
func (r *AuditRecord) SetDuration(d time.Duration) {
	r.ExecutionTimeMS = float64(d.Microseconds()) / 1000
}

// Signed returns a copy of r carrying the signature over its canonical form.
func (r AuditRecord) Signed(key []byte) (AuditRecord, error) {
	r.Signature = ""
	if r.QueryParams == nil {
		r.QueryParams = map[string]string{}
	}
	canonical, err := json.Marshal(r)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("marshaling audit record: %w", err)
	}
	r.Signature = sign(key, canonical)
	return r, nil
}

// Sign returns the record as a signed JSON line without the trailing newline.
func (r AuditRecord) Sign(key []byte) ([]byte, error) {
	signed, err := r.Signed(key)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("marshaling signed audit record: %w", err)
	}
	return line, nil
}

func sign(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// AuditStore is an append-only secondary destination for signed records.
type AuditStore interface {
	Append(ctx context.Context, rec AuditRecord) error
}

// AuditConfig configures an AuditLogger.
type AuditConfig struct {
	Path   string
	Key    string
	Buffer int        // Queue capacity. Default 1024.
	OnFail func()     // Called once per lost record, e.g. to bump a metric.
	Mirror AuditStore // Optional. Mirror failures are logged only; the file is authoritative.
}

// AuditStats counts records. Once the logger is closed,
// Accepted == Written + Failures.
type AuditStats struct {
	Accepted uint64
	Written  uint64
	Failures uint64
}

// AuditLogger appends signed records to a JSONL file. Record never blocks
// the caller: records go through a bounded queue to a single writer
// goroutine, and a full queue or a failed write is counted, not returned.
type AuditLogger struct {
	path   string
	key    []byte
	file   *os.File
	queue  chan AuditRecord
	done   chan struct{}
	onFail func()
	mirror AuditStore
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against concurrent Record/Close
	closed bool

	accepted atomic.Uint64
	written  atomic.Uint64
	failures atomic.Uint64
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode
// and starts the writer. File permissions are 0600 (owner read/write only).
func NewAuditLogger(cfg AuditConfig, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", cfg.Path, err)
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = defaultAuditBuffer
	}
	a := &AuditLogger{
		path:   cfg.Path,
		key:    []byte(cfg.Key),
		file:   f,
		queue:  make(chan AuditRecord, buf),
		done:   make(chan struct{}),
		onFail: cfg.OnFail,
		mirror: cfg.Mirror,
		logger: logger,
	}
	go a.run()
	return a, nil
}

// Path returns the destination file.
func (a *AuditLogger) Path() string { return a.path }

// Record queues rec for writing. Records without a timestamp are stamped now.
func (a *AuditLogger) Record(rec AuditRecord) {
	if rec.Timestamp == "" {
		rec.Stamp(time.Now())
	}
	a.accepted.Add(1)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.fail("audit logger closed", rec)
		return
	}
	select {
	case a.queue <- rec:
	default:
		a.fail("audit queue full", rec)
	}
}

func (a *AuditLogger) run() {
	defer close(a.done)
	for rec := range a.queue {
		signed, err := rec.Signed(a.key)
		if err != nil {
			a.fail(err.Error(), rec)
			continue
		}
		line, err := json.Marshal(signed)
		if err != nil {
			a.fail(err.Error(), rec)
			continue
		}
		line = append(line, '\n')
		if _, err := a.file.Write(line); err != nil {
			a.fail(err.Error(), rec)
			continue
		}
		a.written.Add(1)
		a.mirrorRecord(signed)
	}
}

func (a *AuditLogger) mirrorRecord(rec AuditRecord) {
	if a.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := a.mirror.Append(ctx, rec); err != nil {
		a.logger.Warn("audit mirror append failed",
			slog.String("request_id", rec.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

func (a *AuditLogger) fail(reason string, rec AuditRecord) {
	a.failures.Add(1)
	if a.onFail != nil {
		a.onFail()
	}
	a.logger.Warn("audit record lost",
		slog.String("reason", reason),
		slog.String("request_id", rec.RequestID),
		slog.String("endpoint", rec.Endpoint),
	)
}

// Stats returns the current counters.
func (a *AuditLogger) Stats() AuditStats {
	return AuditStats{
		Accepted: a.accepted.Load(),
		Written:  a.written.Load(),
		Failures: a.failures.Load(),
	}
}

// Close stops accepting records, drains the queue and closes the file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.file.Close()
}
