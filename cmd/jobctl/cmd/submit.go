package cmd

import (
	"fmt"
	"plugin-jobs/internal/models"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitPlugin string
	submitSource string
	submitOpts   []string
	submitWait   bool
)

var submitCmd = &cobra.Command{
	Use:       "submit [action]",
	Short:     "Queue a plugin job",
	Long:      `Queue an install, uninstall, update, enable or disable job. The job id is printed as soon as the server accepts it.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: actionNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := parseOptions(submitOpts)
		if err != nil {
			return err
		}

		req := models.CreateJobRequest{
			Action:     models.Action(args[0]),
			PluginName: submitPlugin,
			URL:        submitSource,
			Options:    options,
		}

		c := newClient()
		id, err := c.Submit(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		cmd.Printf("Job queued: %s\n", id)

		if !submitWait {
			return nil
		}
		return watchJob(cmd, c, id, time.Second)
	},
}

func actionNames() []string {
	names := make([]string, len(models.Actions))
	for i, a := range models.Actions {
		names[i] = string(a)
	}
	return names
}

// parseOptions turns key=value pairs into job options. true, false and
// integers are decoded; anything else stays a string.
func parseOptions(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	options := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q, expected key=value", pair)
		}
		if b, err := strconv.ParseBool(value); err == nil {
			options[key] = b
		} else if n, err := strconv.Atoi(value); err == nil {
			options[key] = n
		} else {
			options[key] = value
		}
	}
	return options, nil
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitPlugin, "plugin", "p", "", "plugin name")
	submitCmd.Flags().StringVarP(&submitSource, "source", "s", "", "plugin archive URL (install, update)")
	submitCmd.Flags().StringArrayVarP(&submitOpts, "opt", "o", nil, "job option as key=value, repeatable (e.g. overwrite=true)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "watch the job until it finishes")
}
