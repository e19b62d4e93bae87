package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/nox/internal/config"
	"github.com/jkaninda/nox/internal/security"
)

var (
	auditFile string
	auditKey  string

	exportFormat string
	exportGzip   bool
	exportSince  string
	exportUntil  string
	exportOutput string

	queryDriver  string
	queryDSN     string
	queryTokenID string
	queryLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the signed audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the signature of every audit record",
	Long: `Recompute the HMAC-SHA256 signature of every line in the audit log.
Exits non-zero when any record is tampered with or malformed.`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit records as JSON, JSON lines or CSV",
	Example: `  nox audit export --format csv --since 2026-01-01T00:00:00Z -o audit.csv
  nox audit export --format jsonl --gzip -o audit.jsonl.gz`,
	Args: cobra.NoArgs,
	RunE: runAuditExport,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search the audit mirror of a SQL quota store",
	Args:  cobra.NoArgs,
	RunE:  runAuditQuery,
}

func init() {
	for _, c := range []*cobra.Command{auditVerifyCmd, auditExportCmd} {
		c.Flags().StringVar(&auditFile, "file", goutils.Env("NOX_AUDIT_LOG", "/tmp/nox_audit.log"), "audit log path (or NOX_AUDIT_LOG)")
	}
	auditVerifyCmd.Flags().StringVar(&auditKey, "key", goutils.Env("NOX_AUDIT_KEY", config.DefaultAuditKey), "signing key (or NOX_AUDIT_KEY)")

	auditExportCmd.Flags().StringVar(&exportFormat, "format", security.ExportJSON, "json, jsonl or csv")
	auditExportCmd.Flags().BoolVar(&exportGzip, "gzip", false, "gzip the output")
	auditExportCmd.Flags().StringVar(&exportSince, "since", "", "only records at or after this RFC 3339 time")
	auditExportCmd.Flags().StringVar(&exportUntil, "until", "", "only records before this RFC 3339 time")
	auditExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")

	auditQueryCmd.Flags().StringVar(&queryDriver, "driver", goutils.Env("NOX_QUOTA_STORE", config.QuotaStoreSQLite), "sqlite or postgres (or NOX_QUOTA_STORE)")
	auditQueryCmd.Flags().StringVar(&queryDSN, "dsn", os.Getenv("NOX_QUOTA_DSN"), "database file or DSN (or NOX_QUOTA_DSN)")
	auditQueryCmd.Flags().StringVar(&queryTokenID, "token-id", "", "only records of this token id")
	auditQueryCmd.Flags().IntVar(&queryLimit, "limit", 100, "maximum number of records")

	auditCmd.AddCommand(auditVerifyCmd, auditExportCmd, auditQueryCmd)
}

func runAuditVerify(cmd *cobra.Command, _ []string) error {
	r, err := secretResolver()
	if err != nil {
		return err
	}
	key, err := r.Resolve(cmd.Context(), auditKey)
	if err != nil {
		return fmt.Errorf("--key: %w", err)
	}
	report, err := security.VerifyFile(auditFile, key)
	if err != nil {
		return err
	}
	fmt.Printf("valid: %d  invalid: %d  malformed: %d\n", report.Valid, report.Invalid, report.Malformed)
	if !report.OK() {
		return fmt.Errorf("audit log failed verification (first bad line %d)", report.FirstBadLine)
	}
	return nil
}

func runAuditExport(_ *cobra.Command, _ []string) error {
	opts := security.ExportOptions{Format: exportFormat, Gzip: exportGzip}
	var err error
	if opts.Since, err = parseTime(exportSince); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if opts.Until, err = parseTime(exportUntil); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	f, err := os.Open(auditFile)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()
	records, skipped, err := security.ReadRecords(f)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if exportOutput != "" {
		out, err := os.OpenFile(exportOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", exportOutput, err)
		}
		defer out.Close()
		w = out
	}

	n, err := security.Export(w, records, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d records", n)
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, " (%d unreadable lines skipped)", skipped)
	}
	fmt.Fprintln(os.Stderr)
	return nil
}

func runAuditQuery(cmd *cobra.Command, _ []string) error {
	cfg := &config.Config{Quota: config.QuotaStoreConfig{Driver: queryDriver, DSN: queryDSN}}
	if queryDSN == "" {
		return fmt.Errorf("--dsn is required")
	}
	logger := newLogger("warn", "text")
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	records, err := store.Audit().Query(ctx, queryTokenID, queryLimit)
	if err != nil {
		return err
	}
	_, err = security.Export(os.Stdout, records, security.ExportOptions{Format: security.ExportJSONL})
	return err
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
