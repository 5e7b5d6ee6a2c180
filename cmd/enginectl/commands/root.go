// Package commands implements the enginectl CLI commands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	logJSON bool

	// Shared state
	log *logrus.Entry
)

// rootCmd is the root command for enginectl.
var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "Build-matrix orchestrator for compiled inference engines",
	Long: `enginectl produces a deterministic set of compiled inference-engine
artifacts for a source model, covering a fixed matrix of numeric
precisions and runtime-optimization flags at a given tensor-parallel
world size.

Example:
  enginectl build gpt2 --world-size 2
  # Fetches gpt2, converts weights to fp32 and fp16, builds 6 engine variants`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help and version commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		// Setup logging
		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}

		// Check ENGINECTL_LOG_LEVEL environment variable
		if level := os.Getenv("ENGINECTL_LOG_LEVEL"); level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				logger.SetLevel(lvl)
			}
		}

		log = logger.WithField("component", "enginectl")

		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	// Setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		rootCmd.PrintErrln("Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(
		newBuildCmd(),
		newVariantsCmd(),
		newVersionCmd(),
	)
}

// envOr returns the environment variable's value, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
