package cmd

import (
	"fmt"
	"plugin-jobs/internal/models"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show a job and its log",
	Long:  `Retrieve a job's current status (queued, running, completed, failed, cancelled), its timestamps, error or result, and every log line recorded so far.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := newClient().Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		printJob(cmd, job)
		return nil
	},
}

func printJob(cmd *cobra.Command, job *models.Job) {
	cmd.Println("Job Details")
	cmd.Println("──────────────────────────────")
	cmd.Printf("ID:          %s\n", job.ID)
	cmd.Printf("Action:      %s\n", job.Action)
	cmd.Printf("Plugin:      %s\n", orDash(job.PluginName))
	if job.URL != "" {
		cmd.Printf("Source:      %s\n", job.URL)
	}
	status := string(job.Status)
	if job.CancelRequested && !job.Status.IsTerminal() {
		status += " (cancellation requested)"
	}
	cmd.Printf("Status:      %s\n", status)
	cmd.Printf("Created:     %s\n", formatTime(&job.CreatedAt))
	cmd.Printf("Started:     %s\n", formatTime(job.StartedAt))
	if job.StartedAt != nil && job.CompletedAt != nil {
		cmd.Printf("Finished:    %s (%s)\n", formatTime(job.CompletedAt), formatDuration(job.CompletedAt.Sub(*job.StartedAt)))
	} else {
		cmd.Printf("Finished:    %s\n", formatTime(job.CompletedAt))
	}

	if job.Error != nil {
		cmd.Printf("Error:       [%s] %s\n", job.Error.Code, job.Error.Message)
	}
	if len(job.Result) > 0 {
		keys := make([]string, 0, len(job.Result))
		for k := range job.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Println("Result:")
		for _, k := range keys {
			cmd.Printf("  %s: %v\n", k, job.Result[k])
		}
	}

	if len(job.Logs) > 0 {
		cmd.Println("Log:")
		for _, entry := range job.Logs {
			printLogEntry(cmd, entry)
		}
	}
}

func printLogEntry(cmd *cobra.Command, entry models.LogEntry) {
	line := fmt.Sprintf("  %s  %s", entry.Timestamp.Local().Format("15:04:05"), entry.Message)
	if entry.Percent != nil {
		line += fmt.Sprintf(" (%d%%)", *entry.Percent)
	}
	cmd.Println(line)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
