// Package cmd implements the aircast command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aircast-bridge/aircast/internal/config"
	"github.com/aircast-bridge/aircast/internal/identity"
	"github.com/aircast-bridge/aircast/internal/logging"
)

// cfgFile holds the config file path from the --config flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "aircast",
	Short:   "AirPlay to HTTP stream bridge",
	Version: identity.GetVersion(),
	Long: `aircast runs one AirPlay receiver per configured media player. When a
sender starts playing, the audio is transcoded into an HTTP stream and the
player is told to pull it through the Home Assistant API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		initLogging(cmd, nil)
		return nil
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aircast.yaml, /etc/aircast, /data)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
}

// initLogging installs the default logger. Flags set on the command line win
// over cfg; cfg may be nil before the configuration is loaded.
func initLogging(cmd *cobra.Command, cfg *config.Config) {
	level, format := "info", "text"
	if cfg != nil {
		level, format = cfg.Logging.Level, cfg.Logging.Format
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		format, _ = flags.GetString("log-format")
	}
	if debug, _ := flags.GetBool("debug"); debug {
		level = "debug"
	}
	logging.Setup(os.Stderr, level, format)
}
