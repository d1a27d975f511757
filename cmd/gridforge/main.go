package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/GridForge/internal/config"
	"github.com/Strob0t/GridForge/internal/logger"
)

var (
	configPath string
	cfg        *config.Config
	logCloser  logger.Closer
)

var rootCmd = &cobra.Command{
	Use:          "gridforge",
	Short:        "GridForge - distributed compute task orchestrator",
	Long:         `GridForge schedules tasks and their data dependencies onto partitions of workers, leasing each task to exactly one worker at a time.`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		c, err := config.LoadFrom(configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg = c

		log, closer := logger.New(cfg.Logging)
		slog.SetDefault(log)
		logCloser = closer
		return nil
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "Path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
