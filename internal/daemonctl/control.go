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

	"lectern/internal/api"
	"lectern/internal/config"
)

// ErrDaemonNotRunning means neither the API nor the pid file points at a
// live daemon.
var ErrDaemonNotRunning = errors.New("daemon not running")

const (
	apiPollInterval  = 200 * time.Millisecond
	exitPollInterval = 100 * time.Millisecond
)

// LaunchOptions are forwarded to the detached daemon as command-line flags.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
	APIBind    string
}

func (o LaunchOptions) args() []string {
	args := []string{"daemon"}
	for _, flag := range []struct{ name, value string }{
		{"--config", o.ConfigPath},
		{"--log-level", o.LogLevel},
		{"--api", o.APIBind},
	} {
		if v := strings.TrimSpace(flag.value); v != "" {
			args = append(args, flag.name, v)
		}
	}
	return args
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

type StartResult struct {
	State   StartState
	PID     int
	Address string
}

// StopResult reports which pid was stopped and whether SIGKILL was needed.
type StopResult struct {
	PID        int
	Signaled   bool
	ForcedKill bool
}

// Launch starts executablePath as a detached daemon in its own session.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return errors.New("resolve executable: executable path is empty")
	}
	proc := exec.Command(executablePath, opts.args()...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// poll calls check every interval until it reports done, ctx ends, or
// timeout elapses. The last check error is returned on timeout.
func poll(ctx context.Context, timeout, interval time.Duration, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var last error
	for {
		done, err := check()
		if done {
			return nil
		}
		last = err
		if !time.Now().Add(interval).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	if last == nil {
		last = fmt.Errorf("timed out after %s", timeout)
	}
	return last
}

// WaitForAPI waits until the daemon status endpoint reports running.
func WaitForAPI(ctx context.Context, client *api.Client, timeout time.Duration) (*api.StatusResponse, error) {
	var status *api.StatusResponse
	err := poll(ctx, timeout, apiPollInterval, func() (bool, error) {
		st, err := client.Status(ctx)
		switch {
		case err != nil:
			return false, err
		case !st.Running:
			return false, errors.New("daemon reports not running")
		}
		status = st
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("daemon failed to start: %w", err)
	}
	return status, nil
}

// WaitForShutdown waits until the daemon API stops answering.
func WaitForShutdown(ctx context.Context, client *api.Client, timeout time.Duration) error {
	err := poll(ctx, timeout, apiPollInterval, func() (bool, error) {
		_, err := client.Status(ctx)
		return errors.Is(err, api.ErrDaemonUnavailable), nil
	})
	if err != nil {
		return fmt.Errorf("daemon did not stop within %s: %w", timeout, err)
	}
	return nil
}

// EnsureStarted launches the daemon unless one already answers on the
// configured API address.
func EnsureStarted(ctx context.Context, cfg *config.Config, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client := api.ClientFromConfig(cfg)
	status, err := client.Status(ctx)
	switch {
	case err == nil && status.Running:
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID, Address: cfg.Paths.APIBind}, nil
	case err != nil && !errors.Is(err, api.ErrDaemonUnavailable):
		return StartResult{}, err
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	if status, err = WaitForAPI(ctx, client, waitTimeout); err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, PID: status.PID, Address: cfg.Paths.APIBind}, nil
}

// daemonPID asks the API for the daemon pid and falls back to the pid file
// when the API is down.
func daemonPID(ctx context.Context, client *api.Client, cfg *config.Config) (int, error) {
	status, err := client.Status(ctx)
	if err == nil {
		if status.PID <= 0 {
			return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", cfg.PIDPath())
		}
		return status.PID, nil
	}
	if !errors.Is(err, api.ErrDaemonUnavailable) {
		return 0, err
	}
	pid, readErr := ReadPID(cfg.PIDPath())
	if readErr != nil || !processAlive(pid) {
		return 0, ErrDaemonNotRunning
	}
	return pid, nil
}

// StopAndTerminate sends SIGTERM and escalates to SIGKILL when the daemon
// outlives gracePeriod.
func StopAndTerminate(ctx context.Context, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	client := api.ClientFromConfig(cfg)
	pid, err := daemonPID(ctx, client, cfg)
	if err != nil {
		return StopResult{}, err
	}
	if err := signalPID(pid, syscall.SIGTERM); err != nil {
		return StopResult{}, err
	}
	result := StopResult{PID: pid, Signaled: true}

	if WaitForShutdown(ctx, client, gracePeriod) == nil && waitForExit(pid, gracePeriod) {
		return result, nil
	}
	killed, err := ForceKillProcess(cfg.PIDPath(), cfg.LockPath(), pid)
	if err != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", err)
	}
	result.PID, result.ForcedKill = killed, true
	return result, nil
}

// ReadPID parses the daemon pid file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %q", path)
	}
	return pid, nil
}

// ForceKillProcess kills the daemon named by the pid file (or fallbackPID)
// and removes its pid and lock files.
func ForceKillProcess(pidPath, lockPath string, fallbackPID int) (int, error) {
	pid, err := ReadPID(pidPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && fallbackPID <= 0 {
			return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
		}
		pid = fallbackPID
	}
	switch {
	case pid <= 0:
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", pidPath)
	case pid == os.Getpid():
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if err := signalPID(pid, syscall.SIGKILL); err != nil {
		return 0, err
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return pid, nil
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("locate daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal daemon process %d (%s): %w", pid, sig, err)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	return err == nil && proc.Signal(syscall.Signal(0)) == nil
}

func waitForExit(pid int, timeout time.Duration) bool {
	_ = poll(context.Background(), timeout, exitPollInterval, func() (bool, error) {
		return !processAlive(pid), nil
	})
	return !processAlive(pid)
}
