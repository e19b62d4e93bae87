package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRecord(id string) AuditRecord {
	rec := AuditRecord{
		RequestID:    id,
		ClientIP:     "10.0.0.1",
		UserAgent:    "test/1.0",
		TokenID:      Fingerprint("tok"),
		Method:       "POST",
		Endpoint:     "/run_sh",
		QueryParams:  map[string]string{"path": "a<b>.txt"},
		ResponseCode: 200,
	}
	rec.Stamp(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	rec.SetDuration(1500 * time.Microsecond)
	return rec
}

func TestAuditRecord_SignAndVerify(t *testing.T) {
	key := []byte("k")
	line, err := sampleRecord("r1").Sign(key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := VerifyLine(line, key); err != nil {
		t.Fatalf("VerifyLine: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["execution_time_ms"].(float64) != 1.5 {
		t.Errorf("execution_time_ms = %v", fields["execution_time_ms"])
	}
	if _, ok := fields["error_message"]; ok {
		t.Error("empty error_message should be omitted")
	}
	if fields["timestamp"] != "2026-01-02T03:04:05Z" {
		t.Errorf("timestamp = %v", fields["timestamp"])
	}

	if err := VerifyLine(line, []byte("other")); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong key err = %v", err)
	}
	tampered := bytes.Replace(line, []byte(`"response_code":200`), []byte(`"response_code":500`), 1)
	if err := VerifyLine(tampered, key); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered err = %v", err)
	}
	if err := VerifyLine([]byte(`{"a":1}`), key); !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("unsigned err = %v", err)
	}
}

func TestAuditLogger_WritesEveryRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewAuditLogger(AuditConfig{Path: path, Key: "k"}, discardLogger())
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Record(sampleRecord(strings.Repeat("x", i%5+1)))
		}(i)
	}
	wg.Wait()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st := a.Stats()
	if st.Accepted != 50 || st.Written+st.Failures != st.Accepted {
		t.Errorf("stats = %+v", st)
	}
	report, err := VerifyFile(path, "k")
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if report.Valid != int(st.Written) || !report.OK() {
		t.Errorf("report = %+v, written %d", report, st.Written)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("audit log mode = %o, want 600", perm)
	}
}

func TestAuditLogger_OverflowIsCounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	var failed int
	var mu sync.Mutex
	a, err := NewAuditLogger(AuditConfig{
		Path:   path,
		Key:    "k",
		Buffer: 1,
		OnFail: func() { mu.Lock(); failed++; mu.Unlock() },
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		a.Record(sampleRecord("r"))
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	// Records after Close are lost and counted too.
	a.Record(sampleRecord("late"))

	st := a.Stats()
	if st.Accepted != 501 {
		t.Errorf("Accepted = %d", st.Accepted)
	}
	if st.Written+st.Failures != st.Accepted {
		t.Errorf("accepted %d != written %d + failures %d", st.Accepted, st.Written, st.Failures)
	}
	mu.Lock()
	defer mu.Unlock()
	if uint64(failed) != st.Failures {
		t.Errorf("OnFail called %d times, failures %d", failed, st.Failures)
	}
}

func TestVerify_Report(t *testing.T) {
	key := []byte("k")
	good, _ := sampleRecord("a").Sign(key)
	bad, _ := sampleRecord("b").Sign([]byte("wrong"))
	input := strings.Join([]string{string(good), "", string(bad), "not json", string(good)}, "\n")

	report, err := Verify(strings.NewReader(input), "k")
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid != 2 || report.Invalid != 1 || report.Malformed != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.FirstBadLine != 3 {
		t.Errorf("FirstBadLine = %d, want 3", report.FirstBadLine)
	}
	if report.OK() {
		t.Error("report should not be OK")
	}
}

func TestExport(t *testing.T) {
	key := []byte("k")
	var log bytes.Buffer
	for i, ts := range []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
	} {
		rec := sampleRecord(string(rune('a' + i)))
		rec.Stamp(ts)
		line, err := rec.Sign(key)
		if err != nil {
			t.Fatal(err)
		}
		log.Write(line)
		log.WriteByte('\n')
	}
	log.WriteString("garbage\n")

	records, skipped, err := ReadRecords(&log)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || skipped != 1 {
		t.Fatalf("records = %d, skipped = %d", len(records), skipped)
	}

	t.Run("json range", func(t *testing.T) {
		var out bytes.Buffer
		n, err := Export(&out, records, ExportOptions{
			Since: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			Until: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		})
		if err != nil || n != 1 {
			t.Fatalf("Export = %d, %v", n, err)
		}
		var got []AuditRecord
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].RequestID != "b" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("csv gzip", func(t *testing.T) {
		var out bytes.Buffer
		n, err := Export(&out, records, ExportOptions{Format: ExportCSV, Gzip: true})
		if err != nil || n != 3 {
			t.Fatalf("Export = %d, %v", n, err)
		}
		zr, err := gzip.NewReader(&out)
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(zr)
		if err != nil {
			t.Fatal(err)
		}
		rows := strings.Split(strings.TrimSpace(string(body)), "\n")
		if len(rows) != 4 {
			t.Fatalf("rows = %d, want header + 3", len(rows))
		}
		if !strings.HasPrefix(rows[0], "timestamp,request_id") {
			t.Errorf("header = %q", rows[0])
		}
		if !strings.Contains(rows[1], "path=a%3Cb%3E.txt") {
			t.Errorf("query not encoded: %q", rows[1])
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if _, err := Export(io.Discard, records, ExportOptions{Format: "xml"}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	if err := os.WriteFile(path, []byte("old line\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines := make(chan string, 8)
	done := make(chan error, 1)
	go func() { done <- TailFile(ctx, path, lines) }()

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("first\nsec"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("ond\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("TailFile returned %v", err)
	}
}
