// Package proc holds the process-group helpers shared by the receiver
// supervisor and the session transcoders.
package proc

import (
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

const pollInterval = 50 * time.Millisecond

// startTimeTolerance absorbs clock-tick rounding of the kernel start time.
const startTimeTolerance = time.Second

// Setpgid makes cmd the leader of a new process group so the whole tree can
// be signalled at once.
func Setpgid(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Alive reports whether pid (or its process group) still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if unix.Kill(-pid, 0) == nil {
		return true
	}
	return unix.Kill(pid, 0) == nil
}

// signal sends sig to the process group led by pid, falling back to the
// single process when pid does not lead a group.
func signal(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	return err
}

// Terminate sends SIGTERM to the process group led by pid, waits up to grace
// for it to exit, then escalates to SIGKILL. When the caller owns the child,
// done is the channel closed by its Wait goroutine; otherwise pass nil and the
// group is polled. Reports whether SIGKILL was needed.
func Terminate(pid int, grace time.Duration, done <-chan struct{}) bool {
	if pid <= 0 {
		return false
	}
	slog.Debug("proc: sending SIGTERM to process group", "pid", pid)
	if err := signal(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false
		}
		slog.Warn("proc: SIGTERM failed", "pid", pid, "err", err)
	}

	if waitExit(pid, grace, done) {
		return false
	}

	slog.Warn("proc: SIGTERM timed out, sending SIGKILL", "pid", pid, "grace", grace)
	_ = signal(pid, unix.SIGKILL)
	waitExit(pid, grace, done)
	return true
}

func waitExit(pid int, timeout time.Duration, done <-chan struct{}) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if done != nil {
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-timer.C:
			return !Alive(pid)
		case <-ticker.C:
		}
	}
}

// StartTime returns the process creation time in unix milliseconds.
func StartTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// Verify reports whether pid still refers to the process that was recorded.
// A recorded start time is compared against the process table; without one
// the executable name must match. With neither, the process is not trusted.
func Verify(pid int, startedAt int64, name string) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if startedAt > 0 {
		created, err := p.CreateTime()
		if err != nil {
			return false
		}
		diff := time.Duration(created-startedAt) * time.Millisecond
		if diff < 0 {
			diff = -diff
		}
		return diff <= startTimeTolerance
	}
	if name != "" {
		actual, err := p.Name()
		if err != nil {
			return false
		}
		return actual == filepath.Base(name)
	}
	return false
}
