package receiver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/aircast-bridge/aircast/internal/models"
)

// shairportConfTemplate is the shairport-sync config file format.
// shairport-sync uses a nesting groups syntax.
const shairportConfTemplate = `general = {
    name = "%s";
    output_backend = "pipe";
    mdns_backend = "avahi";
    port = %d;
    interpolation = "%s";
};

sessioncontrol = {
    session_timeout = %d;
    allow_session_interruption = "yes";
    run_this_before_play_begins = "%s";
    run_this_after_play_ends = "%s";
    wait_for_completion = "no";
};

pipe = {
    name = "%s";
};

metadata = {
    enabled = "%s";
    include_cover_art = "no";
};
`

// renderConfig builds the shairport-sync configuration for one device.
func renderConfig(dev models.Device, opts Options) string {
	hook := strings.Join(quoteArgs(opts.HookCommand), " ")
	start := fmt.Sprintf("%s start %s %s %d", hook, shellQuote(dev.ID), shellQuote(dev.PipePath), dev.Index)
	stop := fmt.Sprintf("%s stop %s", hook, shellQuote(dev.ID))

	metadata := "no"
	if opts.Metadata {
		metadata = "yes"
	}
	return fmt.Sprintf(shairportConfTemplate,
		confEscape(dev.Name),
		dev.ReceiverPort,
		opts.Interpolation,
		opts.SessionTimeout,
		confEscape(start),
		confEscape(stop),
		confEscape(dev.PipePath),
		metadata,
	)
}

// confEscape escapes a value for a double-quoted libconfig string.
func confEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// shellQuote quotes s for /bin/sh when it contains anything beyond a safe set.
func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-/:=") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = shellQuote(a)
	}
	return out
}

// configPath returns where a device's config file is written.
func configPath(dir string, dev models.Device) string {
	return filepath.Join(dir, models.Slug(dev.ID)+".conf")
}

// writeFileAtomic writes content to a file atomically (write temp, rename).
func writeFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ensureFifo creates a named pipe at path. An existing pipe is kept; any
// other file at that path is replaced.
func ensureFifo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeNamedPipe != 0 {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := unix.Mkfifo(path, 0666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ConfigPlaceholder is replaced by the device's config file path in Args.
const ConfigPlaceholder = "{config}"

// DefaultArgs runs shairport-sync with the generated config file.
func DefaultArgs() []string {
	return []string{"-c", ConfigPlaceholder}
}

// argv expands the configured arguments for one device.
func argv(opts Options, confPath string) []string {
	out := make([]string, len(opts.Args))
	for i, a := range opts.Args {
		out[i] = strings.ReplaceAll(a, ConfigPlaceholder, confPath)
	}
	return out
}
