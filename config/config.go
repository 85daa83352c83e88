package config

import (
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

// Server locates the ComfyUI instance.
type Server struct {
	URL            string `toml:"url"`
	RequestTimeout int    `toml:"request_timeout"` // seconds, 0 disables
}

// Generation holds the timings used while following a job. The millisecond
// defaults were measured against real servers.
type Generation struct {
	SettleDelayMS        int      `toml:"settle_delay_ms"`
	QueueGraceMS         int      `toml:"queue_grace_ms"`
	SafetyTimeoutSeconds int      `toml:"safety_timeout_seconds"`
	FetchAttempts        int      `toml:"fetch_attempts"`
	FetchIntervalMS      int      `toml:"fetch_interval_ms"`
	PollIntervalMS       int      `toml:"poll_interval_ms"`
	MaxPreviews          int      `toml:"max_previews"`
	SubmitAttempts       int      `toml:"submit_attempts"`
	PreferredOutputNodes []string `toml:"preferred_output_nodes"`
	TerminalClasses      []string `toml:"terminal_classes"`
}

// Models configures the wait for a server that is still scanning models.
type Models struct {
	WaitAttempts  int `toml:"wait_attempts"`
	BackoffBaseMS int `toml:"backoff_base_ms"`
	BackoffStepMS int `toml:"backoff_step_ms"`
	BackoffMaxMS  int `toml:"backoff_max_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Paths contains local directories.
type Paths struct {
	OutputDir string `toml:"output_dir"`
	StateDir  string `toml:"state_dir"`
}

// Journal configures the record of finished generations.
type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config encapsulates all configuration values for comfygen.
type Config struct {
	Server     Server     `toml:"server"`
	Generation Generation `toml:"generation"`
	Models     Models     `toml:"models"`
	Logging    Logging    `toml:"logging"`
	Paths      Paths      `toml:"paths"`
	Journal    Journal    `toml:"journal"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("comfygen.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the output and state directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(c.Journal.Path), 0o755); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
	}
	return nil
}

// LockPath is the file used to keep two CLI generations from overlapping.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "generate.lock")
}

func (g Generation) SettleDelay() time.Duration {
	return time.Duration(g.SettleDelayMS) * time.Millisecond
}

func (g Generation) QueueGrace() time.Duration {
	return time.Duration(g.QueueGraceMS) * time.Millisecond
}

func (g Generation) SafetyTimeout() time.Duration {
	return time.Duration(g.SafetyTimeoutSeconds) * time.Second
}

func (g Generation) FetchInterval() time.Duration {
	return time.Duration(g.FetchIntervalMS) * time.Millisecond
}

func (g Generation) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalMS) * time.Millisecond
}

func (s Server) Timeout() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
