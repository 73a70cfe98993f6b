package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aircast-bridge/aircast/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long: `Run one receiver per configured device, serve the per-device audio
streams and the status API, and react to receiver hook events.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("http-addr", "", "status API listen address")
	serveCmd.Flags().String("inbox-dir", "", "hook inbox directory")
	serveCmd.Flags().String("state-dir", "", "directory for session handoff records")
	serveCmd.Flags().String("pipe-dir", "", "directory for receiver audio pipes")
	serveCmd.Flags().String("advertise-host", "", "host placed in stream URLs (default: detected local address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	initLogging(cmd, cfg)

	if !cfg.Enabled {
		slog.Info("aircast: disabled in configuration, exiting")
		return nil
	}

	b, err := newBridge(cfg)
	if err != nil {
		return fmt.Errorf("initializing bridge: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return b.run(ctx)
}
