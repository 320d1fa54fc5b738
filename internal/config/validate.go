package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateProgress(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Notifications.RequestTimeout < 0 {
		return errors.New("notifications.request_timeout must be zero or positive")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.StageTimeoutSeconds <= 0 {
		return errors.New("pipeline.stage_timeout_seconds must be positive")
	}
	if c.Pipeline.CancelGraceSeconds < 0 {
		return errors.New("pipeline.cancel_grace_seconds must be zero or positive")
	}
	if c.Pipeline.MaxConcurrentRuns < 0 {
		return errors.New("pipeline.max_concurrent_runs must be zero (default) or positive")
	}
	if c.Pipeline.ResultCacheSize < 0 {
		return errors.New("pipeline.result_cache_size must be zero or positive")
	}
	return nil
}

// validateStages only checks endpoints that are set; missing endpoints are
// reported when the daemon wires its stages.
func (c *Config) validateStages() error {
	for _, named := range c.Endpoints() {
		if named.Endpoint.TimeoutSeconds < 0 {
			return fmt.Errorf("stages.%s.timeout_seconds must be zero or positive", named.Name)
		}
		if named.Endpoint.URL == "" {
			continue
		}
		parsed, err := url.Parse(named.Endpoint.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("stages.%s.url must be an absolute URL, got %q", named.Name, named.Endpoint.URL)
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if strings.Contains(c.Store.ArchiveBucket, "/") {
		return fmt.Errorf("store.archive_bucket must be a bucket name, got %q (use archive_prefix for folders)", c.Store.ArchiveBucket)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
		return nil
	case "firestore":
		if c.Store.FirestoreProject == "" {
			return errors.New("store.firestore_project must be set when store.driver is firestore (or set GOOGLE_CLOUD_PROJECT)")
		}
		return nil
	default:
		return fmt.Errorf("store.driver: unsupported value %q (expected sqlite, memory, or firestore)", c.Store.Driver)
	}
}

func (c *Config) validateProgress() error {
	if c.Progress.WebhookURL == "" {
		return nil
	}
	parsed, err := url.Parse(c.Progress.WebhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("progress.webhook_url must be an absolute URL, got %q", c.Progress.WebhookURL)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
