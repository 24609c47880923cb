// Package cmd implements the stackdev CLI commands using Cobra.
// It provides the dev-launch command that orchestrates the template's
// services, plus doctor, config, and version.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wavedeck/stackdev/internal/config"
	"github.com/wavedeck/stackdev/internal/slogger"
)

// verbosity counts -v flags: 0 errors only, 1 info, 2+ debug.
var verbosity int

// appConfig holds the loaded application configuration.
var appConfig *config.Config

// configLoader provides access to the underlying config file.
var configLoader *config.Loader

var rootCmd = &cobra.Command{
	Use:   "stackdev",
	Short: "Run the full-stack template's local dev environment",
	Long: `Stackdev orchestrates the template's local development session: it
allocates ports, patches .env, manages the embedded PostgreSQL data
directory, and supervises the API, frontend, and Firebase auth emulator
as one process group.

Press ctrl+c to shut the whole session down cleanly.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger := slogger.New(slogger.Config{Verbosity: verbosity})

		ctx := slogger.WithLogger(cmd.Context(), logger)
		ctx = WithConfig(ctx, appConfig)
		ctx = WithLoader(ctx, configLoader)
		cmd.SetContext(ctx)

		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug)")
}

func initConfig() {
	loader, err := config.NewLoader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
		return
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: config validation failed: %v\n", err)
	}

	appConfig = cfg
	configLoader = loader
}
