package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "jobtrack",
	Short: "Job-application email pipeline",
	Long:  "Triages and classifies job-application email, extracts structured fields via Claude with deterministic fallback, and consolidates messages into application records.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
