package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Request cancellation of a queued or running job",
	Long: `Ask the server to cancel a job. A queued job is cancelled before it starts;
a running job stops at its next cancellation check. Work already performed is
not rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Cancel(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancel failed: %w", err)
		}
		cmd.Printf("Cancellation requested for %s (status: %s)\n", resp.ID, resp.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
