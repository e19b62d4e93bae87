package security

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrBadSignature    = errors.New("audit signature mismatch")
	ErrMalformedRecord = errors.New("malformed audit record")
)

// maxAuditLine bounds a single record when scanning a log.
const maxAuditLine = 1 << 20

// VerifyReport summarises a verification pass over an audit log.
type VerifyReport struct {
	Valid        int
	Invalid      int
	Malformed    int
	FirstBadLine int // 1-based; 0 when every line verified.
}

// OK reports whether every record verified.
func (r VerifyReport) OK() bool {
	return r.Invalid == 0 && r.Malformed == 0
}

// VerifyLine recomputes the signature of one JSON line. Unknown fields are
// covered by the signature like any other.
func VerifyLine(line, key []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	raw, ok := fields["hmac_signature"]
	if !ok {
		return fmt.Errorf("%w: no signature", ErrMalformedRecord)
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("%w: signature is not a string", ErrMalformedRecord)
	}
	delete(fields, "hmac_signature")

	canonical, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if !hmac.Equal([]byte(got), []byte(sign(key, canonical))) {
		return ErrBadSignature
	}
	return nil
}

// Verify checks every non-blank line read from r.
func Verify(r io.Reader, key string) (VerifyReport, error) {
	var report VerifyReport
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxAuditLine)

	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		err := VerifyLine(line, []byte(key))
		switch {
		case err == nil:
			report.Valid++
			continue
		case errors.Is(err, ErrBadSignature):
			report.Invalid++
		default:
			report.Malformed++
		}
		if report.FirstBadLine == 0 {
			report.FirstBadLine = n
		}
	}
	if err := sc.Err(); err != nil {
		return report, fmt.Errorf("reading audit log: %w", err)
	}
	return report, nil
}

// VerifyFile checks an audit log on disk.
func VerifyFile(path, key string) (VerifyReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()
	return Verify(f, key)
}
