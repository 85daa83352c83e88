package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envServerURL = "COMFYGEN_SERVER_URL"
	envLogLevel  = "COMFYGEN_LOG_LEVEL"
)

func (c *Config) normalize() error {
	c.normalizeServer()
	c.normalizeGeneration()
	c.normalizeLogging()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	return c.normalizeJournal()
}

func (c *Config) normalizeServer() {
	if value, ok := os.LookupEnv(envServerURL); ok && strings.TrimSpace(value) != "" {
		c.Server.URL = value
	}
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	if c.Server.URL == "" {
		c.Server.URL = defaultServerURL
	}
}

func (c *Config) normalizeGeneration() {
	nodes := make([]string, 0, len(c.Generation.PreferredOutputNodes))
	for _, id := range c.Generation.PreferredOutputNodes {
		if id = strings.TrimSpace(id); id != "" {
			nodes = append(nodes, id)
		}
	}
	c.Generation.PreferredOutputNodes = nodes

	classes := make([]string, 0, len(c.Generation.TerminalClasses))
	for _, class := range c.Generation.TerminalClasses {
		if class = strings.TrimSpace(class); class != "" {
			classes = append(classes, class)
		}
	}
	if len(classes) == 0 {
		classes = []string{"SaveImage"}
	}
	c.Generation.TerminalClasses = classes
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv(envLogLevel); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeJournal() error {
	if strings.TrimSpace(c.Journal.Path) == "" {
		c.Journal.Path = filepath.Join(c.Paths.StateDir, defaultJournalFile)
		return nil
	}
	var err error
	if c.Journal.Path, err = expandPath(c.Journal.Path); err != nil {
		return fmt.Errorf("journal.path: %w", err)
	}
	return nil
}
