// Nox is a sandboxed code execution service: it stores files and runs Python
// and shell commands inside a single sandbox directory behind an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nox",
	Short: "Nox is a sandboxed code execution service.",
	Long: `Nox stores files and executes Python and shell commands inside a single
sandbox directory, behind an HTTP API with token auth, rate limits, daily
quotas, Prometheus metrics and a signed audit log.`,
	RunE:          runServe, // Default to serving the API.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd, auditCmd, policyCmd)
	rootCmd.AddCommand(clientCommands()...)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCode(err))
	}
}
