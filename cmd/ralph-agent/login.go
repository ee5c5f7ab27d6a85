package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph-agent/internal/config"
)

var (
	loginURL   string
	loginToken string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the coordinator URL and agent token",
	Long: `Store the coordinator URL and agent token in the user config file
(~/.config/ralph-agent/config.yaml, mode 0600).

The token is read from --token or, if omitted, from standard input.
RALPH_COORDINATOR_URL and RALPH_COORDINATOR_TOKEN override the stored values.

Examples:
  ralph-agent login --url https://ralph.example.com --token $TOKEN
  echo $TOKEN | ralph-agent login --url https://ralph.example.com`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginURL, "url", "", "Coordinator base URL")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Agent token (read from stdin if omitted)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	url := strings.TrimSpace(loginURL)
	if url == "" {
		if cfg, err := config.Load(); err == nil {
			url = cfg.Coordinator.URL
		}
	}
	if err := config.ValidateURL(url); err != nil {
		return err
	}

	token := strings.TrimSpace(loginToken)
	if token == "" {
		fmt.Fprint(os.Stderr, "Agent token: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}

	if err := config.SaveCredentials(token, url); err != nil {
		return err
	}

	printStatus("✓", fmt.Sprintf("Saved credentials for %s (token %s)", url, config.MaskSecret(token)), color.FgGreen)
	fmt.Printf("  %s\n", config.GetUserConfigPath())
	return nil
}
