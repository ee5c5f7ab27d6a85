package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph-agent/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify ralph-agent configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config file.

Configuration is stored at ~/.config/ralph-agent/config.yaml
Project-specific overrides can be placed in .ralph-agent.yaml
Environment variables use the RALPH_ prefix (RALPH_COORDINATOR_URL, ...)`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
			return nil
		case 1:
			return displayConfigKey(cfg, args[0])
		default:
			return setConfigKey(args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range cfg.Keys() {
		fmt.Printf("%s: %s\n", key, formatValue(key, cfg.Value(key)))
	}
	fmt.Printf("\ncoordinator.token source: %s\n", config.TokenSource(cfg))
	if path := config.GetProjectConfigPath(); path != "" {
		fmt.Printf("project config: %s\n", path)
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) error {
	key = strings.ToLower(key)
	value := cfg.Value(key)
	if value == nil {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	fmt.Println(formatValue(key, value))
	return nil
}

// setConfigKey sets a configuration value in the user config file.
func setConfigKey(key, value string) error {
	key = strings.ToLower(key)
	if err := config.SetUserValue(config.GetUserConfigPath(), key, value); err != nil {
		return err
	}
	if config.IsSecretKey(key) {
		value = config.MaskSecret(value)
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}

func formatValue(key string, value interface{}) string {
	s := fmt.Sprint(value)
	if config.IsSecretKey(key) {
		return config.MaskSecret(s)
	}
	if s == "" || s == "[]" {
		return "(not set)"
	}
	return s
}
