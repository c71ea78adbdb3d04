package cmd

import (
	"os"
	"plugin-jobs/internal/client"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "jobctl submits and inspects plugin jobs",
	Long: `jobctl is the command-line client of the plugin job server.

Jobs are queued and run one at a time in the background. Submitting returns a
job id immediately; use status or watch to follow it.

Common workflows:

  Install a plugin and follow it:
    jobctl submit install --source https://example.com/Foo.jar --wait

  Disable a plugin:
    jobctl submit disable --plugin Foo

  List the most recent failures:
    jobctl list --status failed --limit 10

  Cancel a queued or running job:
    jobctl cancel <job-id>

Configuration:
  JOBCTL_URL      server URL (default: http://localhost:8080)
  JOBCTL_CALLER   caller id sent for rate limiting
  or the same keys in $HOME/.jobctl.yaml`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".jobctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("JOBCTL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func newClient() *client.JobClient {
	c := client.NewJobClient(viper.GetString("url"))
	c.CallerID = viper.GetString("caller")
	return c
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.jobctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "plugin job server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("caller", "", "caller id sent with submissions")
	viper.BindPFlag("caller", rootCmd.PersistentFlags().Lookup("caller"))
}
