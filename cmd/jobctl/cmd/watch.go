package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"plugin-jobs/internal/client"
	"plugin-jobs/internal/models"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [job_id]",
	Short: "Follow a job's log until it finishes",
	Long:  `Poll a job and print each new log line until it reaches a terminal status. Exits non-zero if the job fails or is cancelled.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(cmd, newClient(), args[0], watchInterval)
	},
}

// watchJob prints new log lines as they appear. Logs only ever grow, so
// the count already printed is enough to find the new ones.
func watchJob(cmd *cobra.Command, c *client.JobClient, id string, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printed := 0
	job, err := c.Wait(ctx, id, interval, func(job *models.Job) {
		for _, entry := range job.Logs[min(printed, len(job.Logs)):] {
			printLogEntry(cmd, entry)
		}
		printed = max(printed, len(job.Logs))
	})
	if err != nil {
		return fmt.Errorf("watch failed: %w", err)
	}

	cmd.Printf("Job %s %s\n", job.ID, job.Status)
	switch job.Status {
	case models.StatusFailed:
		if job.Error != nil {
			cmd.Printf("Error: [%s] %s\n", job.Error.Code, job.Error.Message)
		}
		return fmt.Errorf("job %s failed", job.ID)
	case models.StatusCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", time.Second, "poll interval")
}
