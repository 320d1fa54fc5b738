package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Pipeline contains the deadlines and limits applied to every run.
type Pipeline struct {
	StageTimeoutSeconds int `toml:"stage_timeout_seconds"`
	CancelGraceSeconds  int `toml:"cancel_grace_seconds"`
	MaxConcurrentRuns   int `toml:"max_concurrent_runs"`
	ResultCacheSize     int `toml:"result_cache_size"`
}

// StageEndpoint describes how to reach one stage collaborator.
type StageEndpoint struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Stages holds the five stage collaborators in pipeline order.
type Stages struct {
	Extraction    StageEndpoint `toml:"extraction"`
	Retrieval     StageEndpoint `toml:"retrieval"`
	Summarization StageEndpoint `toml:"summarization"`
	Translation   StageEndpoint `toml:"translation"`
	Audio         StageEndpoint `toml:"audio"`
}

// Store selects and configures the output store.
type Store struct {
	Driver              string `toml:"driver"`
	FirestoreProject    string `toml:"firestore_project"`
	FirestoreCollection string `toml:"firestore_collection"`
	// ArchiveBucket, when set, receives a JSON copy of every persisted result.
	ArchiveBucket string `toml:"archive_bucket"`
	ArchivePrefix string `toml:"archive_prefix"`
}

// Progress configures the progress event hub and its webhook fan-out.
type Progress struct {
	BufferSize    int    `toml:"buffer_size"`
	WebhookURL    string `toml:"webhook_url"`
	WebhookSource string `toml:"webhook_source"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for lectern.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Pipeline: stage deadlines, cancellation grace, concurrency
//   - Stages: stage collaborator endpoints
//   - Store: output store driver
//   - Progress: event buffer and CloudEvents webhook
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Stages        Stages        `toml:"stages"`
	Store         Store         `toml:"store"`
	Progress      Progress      `toml:"progress"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath is ~/.config/lectern/config.toml, expanded.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lectern/config.toml")
}

// Load reads the configuration at path, or the first file found among
// $LECTERN_CONFIG, the default path and ./lectern.toml when path is empty.
// A missing file yields the defaults. It returns the normalized, validated
// config, the path consulted, and whether that file existed.
func Load(path string) (*Config, string, bool, error) {
	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	cfg := Default()
	if exists {
		if err := decodeFile(resolved, &cfg); err != nil {
			return nil, "", false, err
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

// decodeFile parses TOML strictly so a misspelled key fails loudly.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("parse config %s: unknown keys:\n%s", path, strict.String())
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("LECTERN_CONFIG"))
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		exists, err := isFile(expanded)
		return expanded, exists, err
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("lectern.toml")
	if err != nil {
		return "", false, err
	}
	for _, candidate := range []string{defaultPath, projectPath} {
		if ok, _ := isFile(candidate); ok {
			return candidate, true, nil
		}
	}
	return defaultPath, false, nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat config: %w", err)
	case info.IsDir():
		return false, fmt.Errorf("config path %s is a directory", path)
	}
	return true, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StageTimeout returns the default per-attempt stage deadline.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Pipeline.StageTimeoutSeconds) * time.Second
}

// CancelGrace returns how long a cancelled stage call is awaited before the run abandons it.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.Pipeline.CancelGraceSeconds) * time.Second
}

// StoreDBPath returns the SQLite database location used by the sqlite store driver.
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.Paths.DataDir, "lectern.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "lectern.lock")
}

// LogFilePath returns the JSON log mirror inside the log directory.
func (c *Config) LogFilePath() string {
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return ""
	}
	return filepath.Join(c.Paths.LogDir, "lectern.log")
}

// PIDPath returns the file the running daemon records its process id in.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "lectern.pid")
}

// StageTimeouts returns per-stage deadline overrides keyed by stage name.
func (c *Config) StageTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, ep := range c.Endpoints() {
		if ep.Endpoint.TimeoutSeconds > 0 {
			out[ep.Name] = time.Duration(ep.Endpoint.TimeoutSeconds) * time.Second
		}
	}
	return out
}

// Endpoints returns stage endpoints keyed by stage name in pipeline order.
func (c *Config) Endpoints() []NamedEndpoint {
	return []NamedEndpoint{
		{Name: "extraction", Endpoint: c.Stages.Extraction},
		{Name: "retrieval", Endpoint: c.Stages.Retrieval},
		{Name: "summarization", Endpoint: c.Stages.Summarization},
		{Name: "translation", Endpoint: c.Stages.Translation},
		{Name: "audio", Endpoint: c.Stages.Audio},
	}
}

// NamedEndpoint pairs a stage name with its endpoint settings.
type NamedEndpoint struct {
	Name     string
	Endpoint StageEndpoint
}

// expandPath resolves a leading "~" against the home directory and makes
// the result absolute.
func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if rest, ok := strings.CutPrefix(p, "~"); ok && (rest == "" || rest[0] == '/' || rest[0] == '\\') {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		p = filepath.Join(home, rest)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", p, err)
	}
	return abs, nil
}

// ExpandPath applies the same "~" and absolute-path handling Load uses.
func ExpandPath(p string) (string, error) { return expandPath(p) }

// CreateSample writes the embedded sample configuration to path.
func CreateSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file %s already exists", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(data), nil
}
