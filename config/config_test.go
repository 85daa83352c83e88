package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/richinsley/comfygen/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected missing config file to report exists=false")
	}
	if cfg.Server.URL != "http://127.0.0.1:8188" {
		t.Fatalf("unexpected server url %q", cfg.Server.URL)
	}
	if cfg.Generation.SettleDelay() != 3*time.Second {
		t.Fatalf("unexpected settle delay %s", cfg.Generation.SettleDelay())
	}
	if cfg.Generation.SafetyTimeout() != 90*time.Second {
		t.Fatalf("unexpected safety timeout %s", cfg.Generation.SafetyTimeout())
	}
	if !filepath.IsAbs(cfg.Paths.OutputDir) {
		t.Fatalf("output dir not expanded: %q", cfg.Paths.OutputDir)
	}
	if cfg.Journal.Path != filepath.Join(cfg.Paths.StateDir, "journal.db") {
		t.Fatalf("unexpected journal path %q", cfg.Journal.Path)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
url = "http://gpu-box:8188/"

[generation]
settle_delay_ms = 1500
preferred_output_nodes = ["29", " ", "27"]
terminal_classes = []

[logging]
format = "JSON"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected %q to be loaded, got %q (exists=%v)", path, resolved, exists)
	}
	if cfg.Server.URL != "http://gpu-box:8188" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.Server.URL)
	}
	if cfg.Generation.SettleDelayMS != 1500 {
		t.Fatalf("unexpected settle delay %d", cfg.Generation.SettleDelayMS)
	}
	if got := strings.Join(cfg.Generation.PreferredOutputNodes, ","); got != "29,27" {
		t.Fatalf("unexpected preferred nodes %q", got)
	}
	if got := strings.Join(cfg.Generation.TerminalClasses, ","); got != "SaveImage" {
		t.Fatalf("empty terminal classes should fall back to SaveImage, got %q", got)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("format not normalized: %q", cfg.Logging.Format)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("COMFYGEN_SERVER_URL", "https://comfy.example.com")
	t.Setenv("COMFYGEN_LOG_LEVEL", "DEBUG")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.URL != "https://comfy.example.com" {
		t.Fatalf("env url not applied: %q", cfg.Server.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("env level not applied: %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cases := map[string]string{
		"scheme":  "[server]\nurl = \"ftp://host\"\n",
		"format":  "[logging]\nformat = \"xml\"\n",
		"timeout": "[generation]\nsafety_timeout_seconds = 2\n",
		"unknown": "[server]\nport = 8188\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatal("expected Load to fail")
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	defaults := config.Default()
	if cfg.Models.WaitAttempts != defaults.Models.WaitAttempts {
		t.Fatalf("sample diverges from defaults: wait_attempts=%d", cfg.Models.WaitAttempts)
	}
}

func TestEnsureDirectories(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(home, "out")
	cfg.Paths.StateDir = filepath.Join(home, "state")
	cfg.Journal.Path = filepath.Join(home, "state", "db", "journal.db")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.OutputDir, cfg.Paths.StateDir, filepath.Dir(cfg.Journal.Path)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q", dir)
		}
	}
}
