package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph-agent/internal/config"
	"github.com/ShayCichocki/ralph-agent/internal/logging"
)

var (
	flagLogLevel string
	flagLogFile  string
	flagStateDir string
)

// CheckExecutorCLI verifies that the executor command is available in PATH.
// Returns an error with installation instructions if not found.
func CheckExecutorCLI(command string) error {
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("%s CLI not found in PATH\n\n"+
			"ralph-agent runs jobs through the Claude Code CLI.\n\n"+
			"Install it with:\n"+
			"  npm install -g @anthropic-ai/claude-code\n\n"+
			"Or point executor.command at another binary:\n"+
			"  ralph-agent config executor.command /path/to/claude", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "ralph-agent",
	Short: "Pull-based job agent for the Ralph coordinator",
	Long: `ralph-agent claims jobs from a remote coordinator, runs each one in an
isolated git worktree through the Claude Code CLI, and reports progress,
heartbeats and the final result back.

With no arguments, runs the agent until interrupted.

Operator controls while running:
  ralph-agent pause     # stop claiming new jobs
  ralph-agent resume    # claim again
  ralph-agent stop      # shut down, reporting any in-flight job`,
	SilenceUsage: true,
	RunE:         runAgent,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Also write logs to this file")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "Directory for the job journal and signal files")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.Log.File = flagLogFile
	}
	if flagStateDir != "" {
		cfg.State.Dir = flagStateDir
	}
	return cfg, nil
}

// newLogger builds the root logger from configuration.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{Level: level, FilePath: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	log.AddSecret(cfg.Coordinator.Token)
	log.AddSecret(cfg.Executor.AnthropicAPIKey)
	return log, nil
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
