// Package cli provides the command-line interface for graphdoc.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/graphdoc-go/internal/api"
	"github.com/raphaelgruber/graphdoc-go/internal/config"
	"github.com/raphaelgruber/graphdoc-go/internal/session"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	cfgPath string
	verbose bool

	// Global config and service client
	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error
	client     *api.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "graphdoc",
	Short: "Client for the graphdoc knowledge-extraction service",
	Long: `Graphdoc submits documents to a remote knowledge-extraction service and
tracks each submission through analysis, upload and background processing.
Conversations about the extracted knowledge are kept in a local, persisted
session store.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}

		logger, logCleanup = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)

		client = api.New(cfg.ServerURL, cfg.ClientTimeout)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			if err := logCleanup(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	// Add subcommands
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openStore opens the persisted session store under the configured data
// directory.
func openStore() (*session.Store, error) {
	dir := filepath.Join(cfg.DataDir, "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return session.Open(dir, logger)
}
