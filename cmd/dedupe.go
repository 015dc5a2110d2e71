package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dedupeAccountID string
	dedupeEvery     time.Duration
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Merge duplicate application records",
	Long: `Scans application records for duplicates (same company, similar title)
and merges each pair, oldest record surviving. With --every the pass repeats
on a schedule until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if dedupeEvery <= 0 {
			return dedupeOnce(ctx, e)
		}

		c := cron.New()
		_, err = c.AddFunc(fmt.Sprintf("@every %s", dedupeEvery), func() {
			if err := dedupeOnce(ctx, e); err != nil {
				zap.L().Error("dedupe pass failed", zap.Error(err))
			}
		})
		if err != nil {
			return eris.Wrap(err, "dedupe: schedule")
		}

		// Run one pass up front; the scheduler fires after the first interval.
		if err := dedupeOnce(ctx, e); err != nil {
			return err
		}
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	},
}

func dedupeOnce(ctx context.Context, e *env) error {
	merges, err := e.Engine.Dedupe(ctx, dedupeAccountID)
	if err != nil {
		return err
	}
	if len(merges) == 0 {
		fmt.Println("no duplicates found")
		return nil
	}
	for _, m := range merges {
		fmt.Printf("merged %s into %s (%s, similarity %.2f)\n",
			m.SecondaryID, m.PrimaryID, m.Company, m.Similarity)
	}
	return nil
}

func init() {
	dedupeCmd.Flags().StringVar(&dedupeAccountID, "account", "", "restrict to one account/mailbox")
	dedupeCmd.Flags().DurationVar(&dedupeEvery, "every", 0, "repeat on this interval (e.g. 24h)")
	rootCmd.AddCommand(dedupeCmd)
}
