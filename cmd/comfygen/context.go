package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/config"
	"github.com/richinsley/comfygen/generation"
	"github.com/richinsley/comfygen/logging"
)

type commandContext struct {
	configFlag   *string
	serverFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag, serverFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		serverFlag:   serverFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.serverFlag != nil && strings.TrimSpace(*c.serverFlag) != "" {
			cfg.Server.URL = strings.TrimRight(strings.TrimSpace(*c.serverFlag), "/")
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.ToLower(strings.TrimSpace(*c.logLevelFlag))
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.NewFromConfig(cfg)
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) newClient() (*client.ComfyClient, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	cc, err := client.NewComfyClientWithTimeout(cfg.Server.URL, cfg.Server.Timeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return cc, nil
}

func controllerConfig(cfg *config.Config) generation.ControllerConfig {
	g := cfg.Generation
	return generation.ControllerConfig{
		Reconciler: generation.ReconcilerConfig{
			SettleDelay:    g.SettleDelay(),
			QueueGrace:     g.QueueGrace(),
			SafetyTimeout:  g.SafetyTimeout(),
			FetchAttempts:  g.FetchAttempts,
			FetchInterval:  g.FetchInterval(),
			PollInterval:   g.PollInterval(),
			PreferredNodes: append([]string(nil), g.PreferredOutputNodes...),
		},
		SubmitAttempts:   g.SubmitAttempts,
		SubmitRetryDelay: time.Second,
		TerminalClasses:  append([]string(nil), g.TerminalClasses...),
		MaxPreviews:      g.MaxPreviews,
	}
}

func modelPolicy(cfg *config.Config) client.ModelPolicy {
	m := cfg.Models
	return client.ModelPolicy{
		Attempts: m.WaitAttempts,
		Base:     time.Duration(m.BackoffBaseMS) * time.Millisecond,
		Step:     time.Duration(m.BackoffStepMS) * time.Millisecond,
		Max:      time.Duration(m.BackoffMaxMS) * time.Millisecond,
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
