package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/tally"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/ledger"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Args:  cobra.NoArgs,
		Short: "Create or upgrade the store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), v, func(s store.Store, _ *ledger.Ledger) error {
				if err := s.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newBalanceCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), v, func(_ store.Store, l *ledger.Ledger) error {
				bal, err := l.GetBalance(cmd.Context(), args[0])
				if tally.IsNotFound(err) {
					bal, err = types.Zero(l.Currency()), nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], bal)
				return nil
			})
		},
	}
}

func newCreditCommand(v *viper.Viper) *cobra.Command {
	var externalID, provider string

	cmd := &cobra.Command{
		Use:   "credit <user-id> <amount>",
		Args:  cobra.ExactArgs(2),
		Short: "Record a verified top-up",
		Long: `Credit a user with a top-up amount in major units. The external
transaction id and provider guard against crediting the same receipt twice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), v, func(_ store.Store, l *ledger.Ledger) error {
				amount, err := types.ParseMajor(args[1], l.Currency())
				if err != nil {
					return err
				}
				rec, err := l.Credit(cmd.Context(), args[0], amount, externalID, provider)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credited %s to %s (%s)\n", rec.Amount, rec.UserID, rec.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&externalID, "external-id", "", "provider transaction id (required)")
	cmd.Flags().StringVar(&provider, "provider", "", "payment provider (required)")
	_ = cmd.MarkFlagRequired("external-id")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newHistoryCommand(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Args:  cobra.ExactArgs(1),
		Short: "List a user's most recent transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), v, func(_ store.Store, l *ledger.Ledger) error {
				recs, err := l.GetTransactionHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tPROVIDER\tREFERENCE")
				for _, r := range recs {
					ref := r.Reference
					if ref == "" {
						ref = r.ExternalID
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.Timestamp.Format("2006-01-02 15:04:05"), r.Type, r.Amount, r.Provider, ref)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", ledger.DefaultHistoryLimit, "number of transactions")
	return cmd
}

func newJobsCommand(v *viper.Viper) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Args:  cobra.NoArgs,
		Short: "List persisted jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), v, func(s store.Store, _ *ledger.Ledger) error {
				recs, err := s.ListJobs(cmd.Context(), job.ListOpts{Status: job.Status(status), Limit: limit})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tERROR")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", r.ID, r.Status, r.Attempts, r.MaxAttempts, r.Error)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of jobs")
	return cmd
}
