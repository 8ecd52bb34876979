// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"fmt"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/soothill/plug-power-stream/discovery"
	"github.com/soothill/plug-power-stream/energy"
	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

const defaultDiscoveryTimeout = 5 * time.Second

// addStreamFlags registers the flags that locate a power stream server.
func addStreamFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "websocket URL of the power stream (browsed over mDNS when empty)")
	cmd.Flags().String("service", discovery.DefaultServiceType, "mDNS service type to browse for")
	cmd.Flags().String("domain", "local.", "mDNS domain to browse in")
	cmd.Flags().Duration("discovery-timeout", defaultDiscoveryTimeout, "how long to browse for a server")
}

// streamURL returns --url, or the first server found over mDNS.
func streamURL(ctx context.Context, cmd *cobra.Command) (string, error) {
	if u, _ := cmd.Flags().GetString("url"); u != "" {
		return u, nil
	}
	service, _ := cmd.Flags().GetString("service")
	domain, _ := cmd.Flags().GetString("domain")
	timeout, _ := cmd.Flags().GetDuration("discovery-timeout")

	found, err := discovery.NewScanner(service, domain).First(ctx, timeout)
	if err != nil {
		return "", fmt.Errorf("no --url given and discovery failed: %w", err)
	}
	logger.Info().Str("instance", found.Instance).Str("url", found.URL()).Msg("Discovered power stream")
	return found.URL(), nil
}

func newListenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every message from a power stream",
		Long: `Connect to a power stream server and print every message it sends.

Example:
  plug-power-stream listen --url ws://localhost:3001
  plug-power-stream listen --count 10`,
		Args: cobra.NoArgs,
		RunE: runListen,
	}
	addStreamFlags(cmd)
	cmd.Flags().Int("count", 0, "exit after this many messages (0 means run until interrupted)")
	return cmd
}

func runListen(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url, err := streamURL(ctx, cmd)
	if err != nil {
		return err
	}
	count, _ := cmd.Flags().GetInt("count")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.NewNetworkError("websocket dial", url, err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	out := cmd.OutOrStdout()
	for received := 0; count == 0 || received < count; received++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Fprintln(out, "Server closed the stream")
				return nil
			}
			return errors.NewNetworkError("websocket receive", url, err)
		}
		fmt.Fprintf(out, "Received: %s\n", data)
	}
	return nil
}

func newMeasureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure -- <command> [args...]",
		Short: "Run a command and report its duration and energy",
		Long: `Run a command while recording the power stream, then print how long it
took and how many joules the plug delivered meanwhile.

Example:
  plug-power-stream measure --url ws://localhost:3001 -- ./bench --size 1000
  plug-power-stream measure --no-power -- sleep 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: runMeasure,
	}
	addStreamFlags(cmd)
	cmd.Flags().Bool("no-power", false, "only time the command")
	return cmd
}

func runMeasure(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := ""
	if noPower, _ := cmd.Flags().GetBool("no-power"); !noPower {
		var err error
		if url, err = streamURL(ctx, cmd); err != nil {
			return err
		}
	}

	report, err := energy.Measure(ctx, url, func(ctx context.Context) error {
		c := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec G204 -- the user names the command to run
		c.Stdin = cmd.InOrStdin()
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()
		return c.Run()
	})

	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintf(out, "Program experienced an error (%d ms): %v\n", report.Elapsed.Milliseconds(), err)
		return err
	}
	if report.HasEnergy {
		fmt.Fprintf(out, "Program ran successfully (%d ms, %.3f J)\n", report.Elapsed.Milliseconds(), report.Energy)
	} else {
		fmt.Fprintf(out, "Program ran successfully (%d ms)\n", report.Elapsed.Milliseconds())
	}
	return nil
}
