package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aircast-bridge/aircast/internal/config"
	"github.com/aircast-bridge/aircast/internal/hookinbox"
)

// The receiver engine runs these commands on session start and end. Once
// the arguments parse, they always exit 0 so a daemon problem can never
// affect playback.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Forward a receiver session event to the running daemon",
}

var hookStartCmd = &cobra.Command{
	Use:   "start <device-id> <pipe-path> <stream-port-offset>",
	Short: "Report that a session started",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid stream port offset %q", args[2])
		}
		deliverHook(cmd, hookinbox.NewStart(args[0], args[1], offset))
		return nil
	},
}

var hookStopCmd = &cobra.Command{
	Use:   "stop <device-id>",
	Short: "Report that a session ended",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deliverHook(cmd, hookinbox.NewStop(args[0]))
		return nil
	},
}

func init() {
	hookCmd.PersistentFlags().String("inbox-dir", "", "hook inbox directory (default: inbox_dir from the config)")
	hookCmd.AddCommand(hookStartCmd, hookStopCmd)
	rootCmd.AddCommand(hookCmd)
}

func deliverHook(cmd *cobra.Command, ev hookinbox.Event) {
	log := slog.With("device", ev.DeviceID, "kind", ev.Kind)

	dir, _ := cmd.Flags().GetString("inbox-dir")
	if dir == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			log.Error("hook: cannot resolve inbox", "err", err)
			return
		}
		dir = cfg.InboxDir
	}

	path, err := hookinbox.Write(dir, ev)
	if err != nil {
		log.Error("hook: event not delivered", "dir", dir, "err", err)
		return
	}
	log.Debug("hook: event queued", "file", path)
}
