package config

const (
	defaultDataDir             = "~/.local/share/lectern"
	defaultLogDir              = "~/.local/share/lectern/logs"
	defaultAPIBind             = "127.0.0.1:7490"
	defaultStageTimeoutSeconds = 60
	defaultCancelGraceSeconds  = 5
	defaultMaxConcurrentRuns   = 256
	defaultResultCacheSize     = 1024
	defaultStoreDriver         = "sqlite"
	defaultFirestoreCollection = "lectern"
	defaultProgressBufferSize  = 4096
	defaultWebhookSource       = "lectern/pipeline"
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Pipeline: Pipeline{
			StageTimeoutSeconds: defaultStageTimeoutSeconds,
			CancelGraceSeconds:  defaultCancelGraceSeconds,
			MaxConcurrentRuns:   defaultMaxConcurrentRuns,
			ResultCacheSize:     defaultResultCacheSize,
		},
		Store: Store{
			Driver:              defaultStoreDriver,
			FirestoreCollection: defaultFirestoreCollection,
		},
		Progress: Progress{
			BufferSize:    defaultProgressBufferSize,
			WebhookSource: defaultWebhookSource,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Completed:      true,
			Failed:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
