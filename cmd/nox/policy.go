package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nox/internal/config"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with policy documents",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a policy document and print the effective limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		p, err := config.LoadPolicy(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("rate limits:   per_ip %d/min, per_token %d/min\n",
			p.RateLimits.PerIP.RequestsPerMinute, p.RateLimits.PerToken.RequestsPerMinute)
		for _, ep := range slices.Sorted(maps.Keys(p.Endpoints)) {
			fmt.Printf("  endpoint %-12s %d/min\n", ep, p.Endpoints[ep])
		}
		q := p.Quotas.Default
		fmt.Printf("daily quota:   %d requests, %.0f cpu seconds, %d MB uploads\n",
			q.DailyRequests, q.DailyCPUSeconds, q.MaxUploadSizeMB)
		list := p.ShellPolicy.ForbiddenCommands
		if p.ShellPolicy.Mode == config.ModeAllow {
			list = p.ShellPolicy.AllowedCommands
		}
		fmt.Printf("shell policy:  %s [%s]\n", p.ShellPolicy.Mode, strings.Join(list, " "))
		fmt.Printf("audit:         enabled=%t log_file=%q\n", p.Audit.Enabled, p.Audit.LogFile)
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyCheckCmd)
}
