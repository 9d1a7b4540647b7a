// Package main provides the CLI entry point for the CommonAid realtime
// gateway: the websocket connection and room-broadcast manager for the
// civic-help platform.
//
// Start the server:
//
//	realtime serve --config realtime.yaml
//
// Configuration can also be selected via the REALTIME_CONFIG environment
// variable.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "realtime",
		Short:         "CommonAid realtime gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("realtime %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
