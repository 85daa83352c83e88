package config

const (
	defaultConfigPath           = "~/.config/comfygen/config.toml"
	defaultServerURL            = "http://127.0.0.1:8188"
	defaultRequestTimeout       = 30
	defaultSettleDelayMS        = 3000
	defaultQueueGraceMS         = 5000
	defaultSafetyTimeoutSeconds = 90
	defaultFetchAttempts        = 3
	defaultFetchIntervalMS      = 2000
	defaultPollIntervalMS       = 2000
	defaultMaxPreviews          = 10
	defaultSubmitAttempts       = 1
	defaultModelWaitAttempts    = 10
	defaultModelBackoffBaseMS   = 500
	defaultModelBackoffStepMS   = 200
	defaultModelBackoffMaxMS    = 2000
	defaultLogFormat            = "text"
	defaultLogLevel             = "info"
	defaultOutputDir            = "~/.local/share/comfygen/output"
	defaultStateDir             = "~/.local/share/comfygen"
	defaultJournalFile          = "journal.db"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			URL:            defaultServerURL,
			RequestTimeout: defaultRequestTimeout,
		},
		Generation: Generation{
			SettleDelayMS:        defaultSettleDelayMS,
			QueueGraceMS:         defaultQueueGraceMS,
			SafetyTimeoutSeconds: defaultSafetyTimeoutSeconds,
			FetchAttempts:        defaultFetchAttempts,
			FetchIntervalMS:      defaultFetchIntervalMS,
			PollIntervalMS:       defaultPollIntervalMS,
			MaxPreviews:          defaultMaxPreviews,
			SubmitAttempts:       defaultSubmitAttempts,
			PreferredOutputNodes: []string{},
			TerminalClasses:      []string{"SaveImage"},
		},
		Models: Models{
			WaitAttempts:  defaultModelWaitAttempts,
			BackoffBaseMS: defaultModelBackoffBaseMS,
			BackoffStepMS: defaultModelBackoffStepMS,
			BackoffMaxMS:  defaultModelBackoffMaxMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Paths: Paths{
			OutputDir: defaultOutputDir,
			StateDir:  defaultStateDir,
		},
		Journal: Journal{
			Enabled: true,
		},
	}
}
