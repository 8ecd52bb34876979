// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command plug-power-stream polls a Tuya smart plug for its power draw and
// streams every reading to websocket clients.
//
// Usage:
//
//	plug-power-stream serve -c config.yaml       # Start the streamer (default)
//	plug-power-stream listen --url ws://host:3001 # Print every reading
//	plug-power-stream measure -- make bench       # Time a command and report joules
//	plug-power-stream validate-config -c config.yaml
//	plug-power-stream health-check -c config.yaml
//	plug-power-stream version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "config.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "plug-power-stream",
		Short: "Stream smart plug power readings over websockets",
		Long: `plug-power-stream polls a Tuya smart plug for its instantaneous power
draw and rebroadcasts every reading to websocket clients.

Without a subcommand it behaves like "serve".`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config file")

	root.AddCommand(
		newServeCmd(),
		newListenCmd(),
		newMeasureCmd(),
		newValidateConfigCmd(),
		newHealthCheckCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plug-power-stream %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra has already printed the error
		os.Exit(1)
	}
}
