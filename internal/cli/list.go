package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/funnel-goat/internal/store"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all experiments",
		Long:  `List all experiments with their status, exposure and conversion totals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				exps, err := s.ListExperiments(ctx)
				if err != nil {
					return fmt.Errorf("failed to list experiments: %w", err)
				}

				if len(exps) == 0 {
					fmt.Fprintln(out, "No experiments yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, "  fgoat create hero --audience individual --variants \"control,bold\"")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tAUDIENCE\tSTATUS\tVARIANTS\tSAMPLES\tCONVERSIONS\tWINNER\tSTARTS")

				for _, exp := range exps {
					counts, err := s.GetVariantStats(ctx, exp.ID, "")
					if err != nil {
						return fmt.Errorf("failed to get stats for experiment %s: %w", exp.ID, err)
					}

					samples, conversions := 0, 0
					for _, c := range counts {
						samples += c.Samples
						conversions += c.Conversions
					}

					winner := exp.WinnerVariant
					if winner == "" {
						winner = "-"
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
						exp.ID,
						exp.Audience,
						strings.ToUpper(string(exp.Status)),
						len(exp.Variants),
						formatNumber(samples),
						formatNumber(conversions),
						winner,
						exp.StartDate.Format("2006-01-02"),
					)
				}

				return w.Flush()
			})
		},
	}
}
