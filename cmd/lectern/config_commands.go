package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the lectern configuration",
	}
	configCmd.AddCommand(newConfigInitCommand(), newConfigShowCommand(ctx), newConfigValidateCommand(ctx))
	return configCmd
}

// resolveInitTarget picks the sample destination: the --path value or the
// default config location.
func resolveInitTarget(raw string) (string, error) {
	if raw = strings.TrimSpace(raw); raw != "" {
		return config.ExpandPath(raw)
	}
	return config.DefaultConfigPath()
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented sample configuration",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := resolveInitTarget(targetPath)
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}
			switch _, statErr := os.Stat(target); {
			case statErr == nil && !overwrite:
				return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
			case statErr == nil:
				if err := os.Remove(target); err != nil {
					return fmt.Errorf("remove existing config: %w", err)
				}
			case !errors.Is(statErr, fs.ErrNotExist):
				return fmt.Errorf("check config path: %w", statErr)
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\nPoint the [stages.*] urls at your collaborators before starting the daemon.\n", target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			encoded, err := cfg.Encode()
			if err != nil {
				return err
			}
			source := "defaults (no config file)"
			if ctx.configExists {
				source = ctx.configPath
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", source, encoded)
			return nil
		},
	}
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report what the daemon would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path := ctx.configPath
			if !ctx.configExists {
				path += " (missing, defaults used)"
			}
			fields := [][2]string{
				{"Config path", path},
				{"Store", cfg.Store.Driver},
			}
			for _, ep := range cfg.Endpoints() {
				fields = append(fields, [2]string{"Stage " + ep.Name, valueOr(ep.Endpoint.URL, "(not configured)")})
			}
			fields = append(fields, [2]string{"Data dir", filepath.Clean(cfg.Paths.DataDir)})

			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderFields(fields))
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}
