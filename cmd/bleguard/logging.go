package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleguard/pkg/config"
)

// loadConfig reads --config and applies --preset when the command defines it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if f := cmd.Flags().Lookup("preset"); f != nil && f.Changed {
		cfg, err = cfg.WithPreset(f.Value.String())
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// configureLogger creates a logger from cfg. --log-level takes precedence over
// the configured level and is validated strictly.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "error":
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", lvl)
		}
		c := *cfg
		c.LogLevel = lvl
		cfg = &c
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
