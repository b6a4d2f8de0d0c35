package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/quotedesk/internal/breakdown"
)

func newBreakdownCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "breakdown <proposal-no>",
		Short: "Show the premium breakdown of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, opts := clientFrom(cmd)
			view, err := client.Breakdown(cmd.Context(), args[0], breakdown.ParseMode(mode))
			if err != nil {
				return err
			}
			if opts.Output == OutputJSON {
				return printJSON(cmd.OutOrStdout(), view)
			}
			return breakdown.RenderText(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&mode, "view", string(breakdown.ModeSummary), "breakdown view (summary, detailed)")
	return cmd
}

func newCalculateCmd() *cobra.Command {
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "calculate <proposal-no>",
		Short: "Run a complete calculation and print the summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, opts := clientFrom(cmd)
			calc, err := client.Calculate(cmd.Context(), args[0], idempotencyKey)
			if err != nil {
				return err
			}
			if opts.Output == OutputJSON {
				return printJSON(cmd.OutOrStdout(), calc)
			}

			out := cmd.OutOrStdout()
			if calc.Replayed {
				fmt.Fprintf(out, "Calculation for %s replayed from key %s\n", args[0], idempotencyKey)
			} else {
				fmt.Fprintf(out, "Calculated %s\n", args[0])
			}
			view, err := client.Breakdown(cmd.Context(), args[0], breakdown.ModeSummary)
			if err != nil {
				return err
			}
			return breakdown.RenderText(out, view)
		},
	}
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "key that makes a retried calculation replay the first outcome")
	return cmd
}
