package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph-agent/internal/signals"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop the running agent from claiming new jobs",
	Long: `Stop the running agent from claiming new jobs. A job already in
progress runs to completion. Use 'ralph-agent resume' to continue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(signals.PauseFile, "Pause requested", false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume claiming jobs after a pause",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(signals.PauseFile, "Resume requested", true)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Shut down the running agent",
	Long: `Shut down the running agent. Any in-flight job is reported as failed
before the agent exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(signals.KillFile, "Stop requested", false)
	},
}

// sendControl creates (or, when remove is set, removes) a signal file in the
// configured state directory.
func sendControl(name, message string, remove bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if remove {
		err = signals.Clear(cfg.State.Dir, name)
	} else {
		err = signals.Send(cfg.State.Dir, name)
	}
	if err != nil {
		return err
	}
	printStatus("✓", message, color.FgGreen)
	return nil
}
