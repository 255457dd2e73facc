package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/bleguard/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration bleguard would run with, as YAML.

Values are layered: built-in defaults, then the preset, then the values in the
file given with --config. The output can be saved and edited as a config file.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().String("preset", config.PresetDefault,
		fmt.Sprintf("Reconnection preset (%s)", strings.Join(config.Presets(), ", ")))
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
