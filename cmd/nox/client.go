package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/nox/internal/gateway/httpapi"
	"github.com/jkaninda/nox/internal/tools/file"
)

// Exit codes for the client commands. A completed execution exits with the
// child's own return code instead.
const (
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	clientURL     string
	clientToken   string
	clientTimeout time.Duration
)

// clientCommands returns the subcommands that talk to a running server.
func clientCommands() []*cobra.Command {
	runSh := &cobra.Command{
		Use:   "run_sh <command...>",
		Short: "Run a shell command in the sandbox",
		Example: `  nox run_sh ls -la
  nox run_sh "grep -r TODO ."`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().execute(cmd.Context(), "/run_sh", httpapi.RunShellRequest{Cmd: strings.Join(args, " ")})
		},
	}

	var pyFilename string
	runPy := &cobra.Command{
		Use:   "run_py <script|->",
		Short: "Upload and run a Python script in the sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			return newClient().execute(cmd.Context(), "/run_py", httpapi.RunPythonRequest{Code: &src, Filename: pyFilename})
		},
	}
	runPy.Flags().StringVar(&pyFilename, "filename", "", "name the script is saved under (default run.py)")

	put := &cobra.Command{
		Use:   "put <local> [remote]",
		Short: "Upload a file into the sandbox",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := filepath.Base(args[0])
			if len(args) == 2 {
				remote = args[1]
			}
			var res file.UploadResult
			if err := newClient().upload(cmd.Context(), args[0], remote, &res); err != nil {
				return err
			}
			fmt.Printf("%s (%d bytes)\n", res.Saved, res.Bytes)
			return nil
		},
	}

	var lsRecursive bool
	ls := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a sandbox directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"recursive": {fmt.Sprint(lsRecursive)}}
			if len(args) == 1 {
				q.Set("path", args[0])
			}
			var listing file.Listing
			if err := newClient().getJSON(cmd.Context(), "/list", q, &listing); err != nil {
				return err
			}
			for _, e := range listing.Files {
				suffix := ""
				if e.Kind == file.KindDirectory {
					suffix = "/"
				}
				fmt.Printf("%10d  %s  %s%s\n", e.Size, e.Modified, e.Name, suffix)
			}
			if listing.Truncated {
				fmt.Fprintln(os.Stderr, "(listing truncated)")
			}
			return nil
		},
	}
	ls.Flags().BoolVarP(&lsRecursive, "recursive", "r", false, "list the whole subtree")

	var catBase64 bool
	cat := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a sandbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"path": {args[0]}}
			if catBase64 {
				q.Set("encoding", file.EncodingBase64)
			}
			var content file.Content
			if err := newClient().getJSON(cmd.Context(), "/cat", q, &content); err != nil {
				return err
			}
			fmt.Print(content.Content)
			return nil
		},
	}
	cat.Flags().BoolVar(&catBase64, "base64", false, "fetch the content base64-encoded")

	var rmRecursive bool
	rm := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a sandbox file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"path": {args[0]}, "recursive": {fmt.Sprint(rmRecursive)}}
			var res file.DeleteResult
			if err := newClient().do(cmd.Context(), http.MethodDelete, "/delete", q, nil, "", &res); err != nil {
				return err
			}
			fmt.Printf("deleted %s (%d entries)\n", res.Deleted, res.Removed)
			return nil
		},
	}
	rm.Flags().BoolVarP(&rmRecursive, "recursive", "r", false, "remove directories and their contents")

	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Show the daily quota of the configured token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var q httpapi.QuotaResponse
			if err := newClient().getJSON(cmd.Context(), "/quota", nil, &q); err != nil {
				return err
			}
			return printJSON(q)
		},
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow the server audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return newClient().tail(cmd.Context(), os.Stdout)
		},
	}

	cmds := []*cobra.Command{runSh, runPy, put, ls, cat, rm, quotaCmd, tail}
	for _, c := range cmds {
		c.Flags().StringVar(&clientURL, "url", goutils.Env("NOX_URL", "http://127.0.0.1:8080"), "server URL (or NOX_URL)")
		c.Flags().StringVar(&clientToken, "token", os.Getenv("NOX_API_TOKEN"), "API token (or NOX_API_TOKEN)")
		c.Flags().DurationVar(&clientTimeout, "timeout", 60*time.Second, "request timeout")
	}
	return cmds
}

// apiClient calls a nox server.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base:  strings.TrimRight(clientURL, "/"),
		token: clientToken,
		http:  &http.Client{Timeout: clientTimeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if e, ok := err.(*apiError); ok {
		switch e.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
			return ExitDenied
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return ExitUnavailable
		}
	}
	return ExitFailure
}

func (c *apiClient) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb httpapi.ErrorBody
		if json.Unmarshal(data, &eb) != nil || eb.Detail == "" {
			eb.Detail = strings.TrimSpace(string(data))
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			eb.Detail += fmt.Sprintf(" (retry after %ss)", ra)
		}
		return &apiError{Status: resp.StatusCode, Detail: eb.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, "", out)
}

// execute posts an execution request, prints the child's output and exits
// with its return code.
func (c *apiClient) execute(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var res httpapi.ExecutionResponse
	if err := c.do(ctx, http.MethodPost, path, nil, bytes.NewReader(body), "application/json", &res); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "(output truncated)")
	}
	if res.ReturnCode != 0 {
		os.Exit(res.ReturnCode)
	}
	return nil
}

// upload streams a local file as the multipart field "f".
func (c *apiClient) upload(ctx context.Context, local, remote string, out any) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("f", filepath.Base(local))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return c.do(ctx, http.MethodPost, "/put", url.Values{"path": {remote}}, pr, mw.FormDataContentType(), out)
}

// tail prints audit lines from the SSE stream until interrupted. The stream
// is not subject to --timeout.
func (c *apiClient) tail(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/logs/tail", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return &apiError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(data))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			fmt.Fprintln(w, data)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}

func readSource(arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(data), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
