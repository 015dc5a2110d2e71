package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inboxpilot/jobtrack/internal/model"
)

var (
	runAccountID   string
	runLimit       int
	runConcurrency int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process pending messages through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		limit := runLimit
		if limit == 0 {
			limit = cfg.Batch.MessageLimit
		}
		concurrency := runConcurrency
		if concurrency == 0 {
			concurrency = cfg.Batch.MaxConcurrentMessages
		}

		out, err := e.Pipeline.RunBatch(ctx, runAccountID, limit, concurrency)
		if err != nil {
			return err
		}

		fmt.Printf("processed %d message(s): %d succeeded, %d not job-related, %d failed\n",
			out.Processed, out.Succeeded, out.NotJob, out.Failed)
		if out.NeedsReview > 0 {
			fmt.Printf("%d message(s) flagged for review\n", out.NeedsReview)
		}
		if out.FallbackUsed > 0 {
			fmt.Printf("%d message(s) answered by the fallback backend\n", out.FallbackUsed)
		}
		for _, r := range out.Results {
			if r.Err != nil {
				fmt.Printf("  %s: %v\n", r.MessageID, r.Err)
			} else if r.Stage == model.StageSelected {
				fmt.Printf("  %s: %s (%s)\n", r.MessageID, r.Stage, r.MatchedBy)
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runAccountID, "account", "", "restrict to one account/mailbox")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "max messages to process (default from config)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "concurrent workers (default from config)")
	rootCmd.AddCommand(runCmd)
}
