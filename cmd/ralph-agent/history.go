package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph-agent/internal/state"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

var historyLimit int

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently processed jobs",
	Long: `Show the jobs this agent has claimed, newest first, from the local journal.

Works while the agent is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		journal, err := state.OpenReader(cfg.State.Dir)
		if err != nil {
			return err
		}
		defer journal.Close()

		records, err := journal.Recent(historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(dimStyle.Render("No jobs recorded yet."))
			return nil
		}
		fmt.Print(renderHistory(records, time.Now()))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of jobs to show")
}

type historyColumn struct {
	name  string
	width int
}

var historyColumns = []historyColumn{
	{"JOB", 8},
	{"TYPE", 15},
	{"STATUS", 9},
	{"CLAIMED", 9},
	{"DURATION", 8},
	{"TASK", 40},
}

// renderHistory formats records as an aligned table.
func renderHistory(records []state.JobRecord, now time.Time) string {
	var sb strings.Builder

	sb.WriteString("  ")
	total := 0
	for i, col := range historyColumns {
		sb.WriteString(padCell(headerStyle.Render(col.name), col.width))
		total += col.width
		if i < len(historyColumns)-1 {
			sb.WriteString(" ")
			total++
		}
	}
	sb.WriteString("\n  ")
	sb.WriteString(dimStyle.Render(strings.Repeat("─", total)))
	sb.WriteString("\n")

	for _, r := range records {
		task := r.TaskTitle
		if r.Error != "" {
			task = r.Error
		}
		cells := []string{
			strconv.FormatInt(r.JobID, 10),
			string(r.JobType),
			statusStyle(r.Status).Render(string(r.Status)),
			formatAge(now.Sub(r.ClaimedAt)),
			formatDuration(r),
			truncate(task, historyColumns[5].width),
		}
		sb.WriteString("  ")
		for i, cell := range cells {
			sb.WriteString(padCell(cell, historyColumns[i].width))
			if i < len(cells)-1 {
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func statusStyle(status models.JobStatus) lipgloss.Style {
	switch status {
	case models.JobStatusCompleted:
		return completedStyle
	case models.JobStatusFailed:
		return failedStyle
	case models.JobStatusRunning:
		return runningStyle
	default:
		return dimStyle
	}
}

// padCell pads a possibly styled cell to width visible columns.
func padCell(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func truncate(s string, width int) string {
	return models.Truncate(strings.Join(strings.Fields(s), " "), width)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatDuration(r state.JobRecord) string {
	if r.FinishedAt.IsZero() {
		return "-"
	}
	return r.FinishedAt.Sub(r.ClaimedAt).Round(time.Second).String()
}
