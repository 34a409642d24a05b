package cmd

import (
	"fmt"
	"os"

	"github.com/krau/clipworker/config"
	"github.com/krau/clipworker/logging"
	"github.com/krau/clipworker/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "clipworker",
	Short: "CLIP embedding worker speaking JSON lines on stdin/stdout",
	Long: `Run a long-lived embedding worker. Jobs arrive one JSON object per
line on stdin and results are written one JSON object per line on stdout.
Operator logs go to stderr.

Examples:
  # Run the worker (default)
  clipworker serve

  # List models found in models_dir
  clipworker models

  # Embed a few files and prompts without a parent process
  clipworker demo /tmp/x/test.png`,
	SilenceUsage: true,
	// SBRL_DEMO_MODE switches the bare command to the demo.
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv("SBRL_DEMO_MODE") != "" {
			return runDemo(cmd, args)
		}
		return runServe(cmd, args)
	},
}

func Execute() {
	rootCmd.Version = server.Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, modelsCmd, demoCmd)
}

// setup loads the configuration named by --config and builds the logger.
func setup() (config.Config, *zap.Logger, error) {
	config.SetPath(cfgFile)
	cfg := config.C()
	if err := config.Err(); err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
