package main

import (
	"fmt"
	"os"
	"os/signal"
	"plugin-jobs/internal/config"
	"plugin-jobs/internal/logger"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return newServerCmd(config.New())
}

func newServerCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "plugin-jobs",
		Short: "Run the plugin job API server and worker",
		Long: `plugin-jobs accepts plugin install, uninstall, update, enable and disable
requests over HTTP and runs them one at a time in the background.

Configuration is read from defaults, an optional YAML file (--config) and
PLUGINJOBS_* environment variables, e.g. PLUGINJOBS_HTTP_PORT. Flags win
over all of them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("store-driver", "file", "job store backend (file or sqlite)")
	flags.String("store-path", "data/jobs.json", "job store file or database path")
	flags.String("plugins-dir", "plugins", "directory holding plugin archives")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	bind(v, cmd, map[string]string{
		"http_port":    "port",
		"store.driver": "store-driver",
		"store.path":   "store-path",
		"plugins_dir":  "plugins-dir",
		"log.level":    "log-level",
	})

	return cmd
}

func bind(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}
