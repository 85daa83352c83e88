package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	outputDir  string
	stateDir   string
}

func setupCLITestEnv(t *testing.T, serverURL string) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("COMFYGEN_SERVER_URL", "")
	t.Setenv("COMFYGEN_LOG_LEVEL", "")

	env := &cliTestEnv{
		baseDir:    base,
		configPath: filepath.Join(base, "comfygen.toml"),
		outputDir:  filepath.Join(base, "output"),
		stateDir:   filepath.Join(base, "state"),
	}
	writeTestConfig(t, env, serverURL)
	return env
}

func writeTestConfig(t *testing.T, env *cliTestEnv, serverURL string) {
	t.Helper()
	content := fmt.Sprintf(`[server]
url = %q
request_timeout = 5

[generation]
settle_delay_ms = 10
queue_grace_ms = 30
safety_timeout_seconds = 5
fetch_attempts = 3
fetch_interval_ms = 10
poll_interval_ms = 10

[models]
wait_attempts = 3
backoff_base_ms = 5
backoff_step_ms = 5
backoff_max_ms = 20

[logging]
level = "error"

[paths]
output_dir = %q
state_dir = %q
`, serverURL, env.outputDir, env.stateDir)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
