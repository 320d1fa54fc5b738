package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lectern/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The API binds an ephemeral loopback port and logs go to the temp tree.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Pipeline.StageTimeoutSeconds = 5
	cfgVal.Pipeline.CancelGraceSeconds = 1
	cfgVal.Logging.Level = "error"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	for _, dir := range []string{cfgVal.Paths.DataDir, cfgVal.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return builder.cfg
}

// WithStoreDriver selects the output store driver.
func WithStoreDriver(driver string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.Driver = driver
	}
}

// WithAPIToken requires bearer auth on the daemon API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}

// WithStageServer points every stage endpoint at baseURL/<stage>.
func WithStageServer(baseURL string) ConfigOption {
	return func(b *configBuilder) {
		base := strings.TrimRight(baseURL, "/")
		stages := &b.cfg.Stages
		for _, ep := range []struct {
			name   string
			target *config.StageEndpoint
		}{
			{"extraction", &stages.Extraction},
			{"retrieval", &stages.Retrieval},
			{"summarization", &stages.Summarization},
			{"translation", &stages.Translation},
			{"audio", &stages.Audio},
		} {
			ep.target.URL = base + "/" + ep.name
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
