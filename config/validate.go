package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateGeneration(); err != nil {
		return err
	}
	if err := c.validateModels(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must use http or https, got %q", c.Server.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("server.url must include a host, got %q", c.Server.URL)
	}
	if c.Server.RequestTimeout < 0 {
		return errors.New("server.request_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateGeneration() error {
	g := c.Generation
	switch {
	case g.SettleDelayMS <= 0:
		return errors.New("generation.settle_delay_ms must be positive")
	case g.QueueGraceMS <= 0:
		return errors.New("generation.queue_grace_ms must be positive")
	case g.SafetyTimeoutSeconds <= 0:
		return errors.New("generation.safety_timeout_seconds must be positive")
	case g.FetchAttempts <= 0:
		return errors.New("generation.fetch_attempts must be positive")
	case g.FetchIntervalMS <= 0:
		return errors.New("generation.fetch_interval_ms must be positive")
	case g.PollIntervalMS <= 0:
		return errors.New("generation.poll_interval_ms must be positive")
	case g.MaxPreviews <= 0:
		return errors.New("generation.max_previews must be positive")
	case g.SubmitAttempts <= 0:
		return errors.New("generation.submit_attempts must be positive")
	}
	if g.SafetyTimeout() <= g.SettleDelay() {
		return fmt.Errorf("generation.safety_timeout_seconds (%ds) must exceed settle_delay_ms (%dms)", g.SafetyTimeoutSeconds, g.SettleDelayMS)
	}
	return nil
}

func (c *Config) validateModels() error {
	m := c.Models
	if m.WaitAttempts <= 0 {
		return errors.New("models.wait_attempts must be positive")
	}
	if m.BackoffBaseMS < 0 || m.BackoffStepMS < 0 || m.BackoffMaxMS < 0 {
		return errors.New("models backoff values must be >= 0")
	}
	if m.BackoffMaxMS > 0 && m.BackoffMaxMS < m.BackoffBaseMS {
		return errors.New("models.backoff_max_ms must be >= backoff_base_ms")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
