package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStages()
	c.normalizeStore()
	c.normalizeProgress()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("LECTERN_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeStages() {
	for _, endpoint := range []*StageEndpoint{
		&c.Stages.Extraction,
		&c.Stages.Retrieval,
		&c.Stages.Summarization,
		&c.Stages.Translation,
		&c.Stages.Audio,
	} {
		endpoint.URL = strings.TrimRight(strings.TrimSpace(endpoint.URL), "/")
		endpoint.Token = strings.TrimSpace(endpoint.Token)
		if endpoint.Token == "" {
			if value, ok := os.LookupEnv("LECTERN_STAGE_TOKEN"); ok {
				endpoint.Token = strings.TrimSpace(value)
			}
		}
	}
}

func (c *Config) normalizeStore() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	c.Store.FirestoreProject = strings.TrimSpace(c.Store.FirestoreProject)
	if c.Store.FirestoreProject == "" {
		if value, ok := os.LookupEnv("GOOGLE_CLOUD_PROJECT"); ok {
			c.Store.FirestoreProject = strings.TrimSpace(value)
		}
	}
	c.Store.FirestoreCollection = strings.TrimSpace(c.Store.FirestoreCollection)
	if c.Store.FirestoreCollection == "" {
		c.Store.FirestoreCollection = defaultFirestoreCollection
	}
	c.Store.ArchiveBucket = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(c.Store.ArchiveBucket), "gs://"), "/")
	c.Store.ArchivePrefix = strings.Trim(strings.TrimSpace(c.Store.ArchivePrefix), "/")
}

func (c *Config) normalizeProgress() {
	if c.Progress.BufferSize <= 0 {
		c.Progress.BufferSize = defaultProgressBufferSize
	}
	c.Progress.WebhookURL = strings.TrimSpace(c.Progress.WebhookURL)
	c.Progress.WebhookSource = strings.TrimSpace(c.Progress.WebhookSource)
	if c.Progress.WebhookSource == "" {
		c.Progress.WebhookSource = defaultWebhookSource
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
