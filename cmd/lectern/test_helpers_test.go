package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lectern/internal/config"
	"lectern/internal/daemonrun"
	"lectern/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	stages     *testsupport.StageServer
	configPath string
	address    string
}

// setupCLITestEnv runs a daemon in-process against a fake stage server and
// writes its configuration where the CLI can load it.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	stages := testsupport.NewStageServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStageServer(stages.URL))
	configPath := writeTestConfig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemonrun.Run(ctx, cfg, daemonrun.Options{Ready: func(addr string) { ready <- addr }})
	}()

	var address string
	select {
	case address = <-ready:
	case err := <-errCh:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("daemon shutdown: %v", err)
			}
		case <-time.After(30 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	return &cliTestEnv{cfg: cfg, stages: stages, configPath: configPath, address: address}
}

func writeTestConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	encoded, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(encoded), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args []string, address, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if address != "" {
		flags = append(flags, "--api", address)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (e *cliTestEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	out, stderr, err := runCLI(t, args, e.address, e.configPath)
	if err != nil {
		t.Fatalf("lectern %s: %v (stderr: %s)", strings.Join(args, " "), err, stderr)
	}
	return out
}
