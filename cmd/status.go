package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/store"
)

var statusAccountID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-stage pipeline counts and application totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		counts, err := e.Store.CountStates(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tCOUNT")
		for _, stage := range []model.Stage{
			model.StagePending,
			model.StageTriaged,
			model.StageRelevanceClassified,
			model.StageExtractionPending,
			model.StageExtractionComplete,
			model.StageSelected,
			model.StageFailed,
		} {
			fmt.Fprintf(w, "%s\t%d\n", stage, counts[stage])
		}
		w.Flush()

		review, err := e.Store.ListStates(ctx, store.StateFilter{
			AccountID:   statusAccountID,
			NeedsReview: model.Ptr(true),
		})
		if err != nil {
			return err
		}

		apps, err := e.Store.ListApplications(ctx, store.ApplicationFilter{AccountID: statusAccountID})
		if err != nil {
			return err
		}
		byStatus := make(map[model.Status]int)
		for _, app := range apps {
			byStatus[app.Status]++
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\n%d application(s)", len(apps))
		for _, s := range []model.Status{
			model.StatusApplied,
			model.StatusScreening,
			model.StatusInterview,
			model.StatusOffer,
			model.StatusRejected,
			model.StatusWithdrawn,
		} {
			if n := byStatus[s]; n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d %s", n, s)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout())
		if len(review) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%d message(s) awaiting review\n", len(review))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAccountID, "account", "", "restrict to one account/mailbox")
	rootCmd.AddCommand(statusCmd)
}
