// Package daemonctl launches and stops a detached accession daemon for the
// CLI. Readiness is the daemon's /health endpoint; the process is found
// through the pid file the daemon writes.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"accession/internal/api"
)

// ErrDaemonNotRunning is returned by Stop when nothing answers.
var ErrDaemonNotRunning = errors.New("daemon not running")

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

// StartState describes how EnsureStarted ended.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// Checker is the part of api.Client used to check on the daemon.
type Checker interface {
	Health(ctx context.Context) error
}

var _ Checker = (*api.Client)(nil)

// Launch starts `<executable> daemon` detached from the caller.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}
	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitReady polls the health endpoint until it answers or timeout passes.
func WaitReady(ctx context.Context, checker Checker, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := checker.Health(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon failed to start: %w", err)
		case <-ticker.C:
		}
	}
}

// EnsureStarted launches the daemon unless it already answers.
func EnsureStarted(ctx context.Context, checker Checker, executablePath string, opts LaunchOptions, timeout time.Duration) (StartState, error) {
	if checker.Health(ctx) == nil {
		return StartStateAlreadyRunning, nil
	}
	if err := Launch(executablePath, opts); err != nil {
		return "", err
	}
	if err := WaitReady(ctx, checker, timeout); err != nil {
		return "", err
	}
	return StartStateStarted, nil
}

// ReadPID parses the daemon pid file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read daemon pid file %q: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("daemon pid file %q holds no pid", path)
	}
	return pid, nil
}

// StopResult captures the stop outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Stop sends SIGTERM to the daemon named by pidPath and waits up to grace
// for it to exit, then sends SIGKILL.
func Stop(ctx context.Context, checker Checker, pidPath string, grace time.Duration) (StopResult, error) {
	if checker.Health(ctx) != nil {
		return StopResult{}, ErrDaemonNotRunning
	}
	pid, err := ReadPID(pidPath)
	if err != nil {
		return StopResult{}, err
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	result := StopResult{PID: pid}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return result, nil
		}
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if waitExit(ctx, pid, grace) {
		return result, nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	result.ForcedKill = true
	_ = os.Remove(pidPath)
	return result, nil
}

func waitExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return !alive(pid)
}

func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
