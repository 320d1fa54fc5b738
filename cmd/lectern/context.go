package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"lectern/internal/api"
	"lectern/internal/config"
)

type commandContext struct {
	configFlag *string
	apiFlag    *string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag, apiFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		apiFlag:    apiFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, exists, err := config.Load(c.configFlagValue())
		if err != nil {
			c.configErr = err
			return
		}
		if c.apiFlag != nil {
			if addr := strings.TrimSpace(*c.apiFlag); addr != "" {
				cfg.Paths.APIBind = addr
			}
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) configFlagValue() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) client() (*api.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return api.ClientFromConfig(cfg), nil
}

// withClient runs fn against the daemon API and rewrites connection failures
// into a hint about starting the daemon.
func (c *commandContext) withClient(fn func(*api.Client) error) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return wrapDaemonError(fn(client), c.configValue())
}

func wrapDaemonError(err error, cfg *config.Config) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrDaemonUnavailable) {
		addr := ""
		if cfg != nil {
			addr = cfg.Paths.APIBind
		}
		return fmt.Errorf("connect to daemon: %s refused the connection; start it with `lectern daemon --detach`", addr)
	}
	if errors.Is(err, api.ErrUnauthorized) {
		return fmt.Errorf("daemon rejected the request; check api_token in the configuration: %w", err)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
