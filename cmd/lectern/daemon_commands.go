package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/daemonctl"
	"lectern/internal/daemonrun"
)

const (
	detachWaitTimeout = 10 * time.Second
	stopGracePeriod   = 10 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var detach bool
	var logLevel string
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the lectern daemon",
		Long:  "Run the lectern daemon in the foreground, or launch it in the background with --detach.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !detach {
				return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel})
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			opts := daemonctl.LaunchOptions{
				ConfigPath: ctx.configPath,
				LogLevel:   logLevel,
				APIBind:    strings.TrimSpace(*ctx.apiFlag),
			}
			if !ctx.configExists {
				opts.ConfigPath = ""
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), cfg, exe, opts, detachWaitTimeout)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
			default:
				fmt.Fprintf(stdout, "Daemon started (pid %d) on %s\n", result.PID, result.Address)
			}
			return nil
		},
	}
	daemonCmd.Flags().BoolVarP(&detach, "detach", "d", false, "Launch the daemon in the background and return")
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the lectern daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(cmd.Context(), ctx.configValue(), stopGracePeriod)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return wrapDaemonError(err, ctx.configValue())
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed process (pid %d)\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var statusFormat string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, pipeline, and collaborator status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutputFormat(statusFormat)
			if err != nil {
				return err
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if errors.Is(err, api.ErrDaemonUnavailable) {
				status = &api.StatusResponse{Running: false}
			} else if err != nil {
				return wrapDaemonError(err, ctx.configValue())
			}
			if handled, err := writeStructured(cmd, format, status); handled {
				return err
			}
			renderStatus(cmd, status, ctx.configValue().Paths.APIBind)
			return nil
		},
	}
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "table", "Output format: table, json, or yaml")

	return []*cobra.Command{daemonCmd, stopCmd, statusCmd}
}

func renderStatus(cmd *cobra.Command, status *api.StatusResponse, address string) {
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)

	if !status.Running {
		writeSection(stdout, "Daemon", []string{
			renderStatusLine("Daemon", statusWarn, "not running ("+address+")", colorize),
		}, colorize)
		return
	}

	writeSection(stdout, "Daemon", []string{
		renderStatusLine("Daemon", statusOK, "running (pid "+strconv.Itoa(status.PID)+")", colorize),
		renderStatusLine("API", statusInfo, address, colorize),
		renderStatusLine("Store", statusInfo, valueOr(status.StorePath, "remote"), colorize),
		renderStatusLine("Lock", statusInfo, status.LockPath, colorize),
	}, colorize)

	engine := status.Engine
	waitingKind := statusInfo
	if engine.Waiting > 0 {
		waitingKind = statusWarn
	}
	unpersistedKind := statusOK
	if engine.Unpersisted > 0 {
		unpersistedKind = statusWarn
	}
	writeSection(stdout, "Pipeline", []string{
		renderStatusLine("Active runs", statusInfo, fmt.Sprintf("%d of %d", engine.Active, engine.MaxConcurrent), colorize),
		renderStatusLine("Waiting runs", waitingKind, strconv.Itoa(engine.Waiting), colorize),
		renderStatusLine("Unpersisted", unpersistedKind, strconv.Itoa(engine.Unpersisted), colorize),
		renderStatusLine("Accepting runs", statusInfo, yesNo(!engine.Closed), colorize),
	}, colorize)

	stageLines := make([]string, 0, len(engine.Stages))
	for _, st := range engine.Stages {
		kind, detail := statusOK, valueOr(st.Detail, "ready")
		if !st.Ready {
			kind = statusError
		}
		stageLines = append(stageLines, renderStatusLine(st.Name, kind, detail, colorize))
	}
	writeSection(stdout, "Stages", stageLines, colorize)

	if len(status.Checks) == 0 {
		return
	}
	checkLines := make([]string, 0, len(status.Checks))
	for _, check := range status.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusWarn
		}
		checkLines = append(checkLines, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}
	writeSection(stdout, "Preflight", checkLines, colorize)
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
