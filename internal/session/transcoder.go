package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/aircast-bridge/aircast/internal/config"
	"github.com/aircast-bridge/aircast/internal/proc"
)

// TranscoderConfig describes how to launch the external transcoder.
type TranscoderConfig struct {
	Binary string
	Args   []string // {pipe} is replaced by the session pipe path
	Grace  time.Duration
}

// transcoder is one running transcoder process pumping into a writer.
type transcoder struct {
	cmd       *exec.Cmd
	pid       int
	startedAt int64 // unix ms from the process table, 0 if unknown
	done      chan struct{}
	err       error // valid after done is closed
}

func expandArgs(args []string, pipePath string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, config.PipePlaceholder, pipePath)
	}
	return out
}

// startTranscoder launches the transcoder reading pipePath and copies its
// stdout into out until the process exits or out rejects a write. onExit runs
// after the process has been reaped.
func startTranscoder(cfg TranscoderConfig, deviceID, pipePath string, out io.Writer, onExit func(error)) (*transcoder, error) {
	cmd := exec.Command(cfg.Binary, expandArgs(cfg.Args, pipePath)...)
	proc.Setpgid(cmd)
	cmd.Stderr = proc.NewLogWriter("transcoder: output", "device", deviceID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder %s: %w", cfg.Binary, err)
	}

	t := &transcoder{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	if st, err := proc.StartTime(t.pid); err == nil {
		t.startedAt = st
	}
	slog.Info("transcoder: started", "device", deviceID, "pid", t.pid, "pipe", pipePath)

	go func() {
		n, copyErr := io.Copy(out, stdout)
		if copyErr != nil && !errors.Is(copyErr, io.ErrClosedPipe) {
			slog.Debug("transcoder: pump ended", "device", deviceID, "bytes", n, "err", copyErr)
		}
		// Unblock the child if the buffer stopped accepting data.
		_, _ = io.Copy(io.Discard, stdout)
		t.err = cmd.Wait()
		close(t.done)
		slog.Info("transcoder: exited", "device", deviceID, "pid", t.pid, "bytes", n, "err", t.err)
		if onExit != nil {
			onExit(t.err)
		}
	}()
	return t, nil
}

// stop terminates the transcoder's process group and waits for it to be reaped.
func (t *transcoder) stop(grace time.Duration) {
	select {
	case <-t.done:
		return
	default:
	}
	proc.Terminate(t.pid, grace, t.done)
}
