package cmd

import (
	"fmt"
	"plugin-jobs/internal/client"
	"plugin-jobs/internal/models"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	listStatus string
	listLimit  int
	listOldest bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.ListOptions{
			Status: models.JobStatus(listStatus),
			Limit:  listLimit,
		}
		if listOldest {
			opts.Order = models.OrderOldest
		}

		jobs, err := newClient().List(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}

		if len(jobs) == 0 {
			cmd.Println("No jobs found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tPLUGIN\tSTATUS\tCREATED")
		for _, job := range jobs {
			status := string(job.Status)
			if job.CancelRequested && !job.Status.IsTerminal() {
				status += " (cancelling)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Action, orDash(job.PluginName), status, formatTime(&job.CreatedAt))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listStatus, "status", "", "only show jobs in this status")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of jobs to show (0 for all)")
	listCmd.Flags().BoolVar(&listOldest, "oldest", false, "show oldest jobs first")
}
