package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/funnel-goat/internal/stats"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

func newResultsCmd(a *app) *cobra.Command {
	var (
		goal   string
		alpha  float64
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "results <id>",
		Short: "Show detailed results for an experiment",
		Long: `Show samples, conversions, rates, confidence intervals and p-values per
variant. Conversions count only when they happen after the session was
exposed to the experiment.

Examples:
  fgoat results hero
  fgoat results hero --goal start_application --alpha 0.01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !cmd.Flags().Changed("alpha") {
				alpha = a.cfg.Server.Alpha
			}
			if alpha <= 0 || alpha >= 1 {
				return fmt.Errorf("alpha must be within (0, 1), got %v", alpha)
			}

			return a.withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				exp, err := getExperiment(ctx, s, id)
				if err != nil {
					return err
				}

				counts, err := s.GetVariantStats(ctx, id, goal)
				if err != nil {
					return fmt.Errorf("failed to get stats: %w", err)
				}

				result := stats.Analyze(exp, counts, alpha)
				result.GoalID = goal

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(result)
				}

				fmt.Fprintf(out, "EXPERIMENT: %s\n", exp.ID)
				fmt.Fprintf(out, "AUDIENCE: %s\n", exp.Audience)
				fmt.Fprintf(out, "STATUS: %s\n", exp.Status)
				if goal != "" {
					fmt.Fprintf(out, "GOAL: %s\n", goal)
				}
				if exp.WinnerVariant != "" {
					fmt.Fprintf(out, "WINNER: %s\n", exp.WinnerVariant)
				}
				fmt.Fprintln(out)

				conf := (1 - alpha) * 100
				fmt.Fprintf(out, "VARIANT           SAMPLES  CONVERSIONS  RATE     LIFT      P-VALUE  %.0f%% CI\n", conf)
				fmt.Fprintln(out, strings.Repeat("─", 84))

				for _, v := range result.Variants {
					indicator := ""
					if v.ID == result.Leading && len(result.Variants) > 1 {
						indicator = " ← LEADING"
					}

					ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
					if v.Samples == 0 {
						ciStr = "N/A"
					}

					lift, pValue := "control", "-"
					if !v.IsControl {
						lift = fmt.Sprintf("%+.1f%%", v.Lift*100)
						if v.Significance != nil {
							pValue = fmt.Sprintf("%.4f", v.Significance.PValue)
						}
					}

					name := v.ID
					if len(name) > 16 {
						name = name[:13] + "..."
					}

					fmt.Fprintf(out, "%-16s  %-7d  %-11d  %-7s  %-8s  %-7s  %s%s\n",
						name,
						v.Samples,
						v.Conversions,
						formatPercent(v.Rate),
						lift,
						pValue,
						ciStr,
						indicator,
					)
				}

				fmt.Fprintln(out)

				if len(result.Variants) > 1 {
					sig := result.Significance
					confPct := sig.ConfidenceLevel * 100
					switch {
					case sig.Significant:
						fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" is the winner (p = %.4f)\n", confPct, result.Leading, sig.PValue)
					case confPct >= 90:
						fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" differs from control (not yet significant)\n", confPct, result.Leading)
					default:
						fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
					}
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&goal, "goal", "g", "", "only count conversions for this goal id")
	cmd.Flags().Float64Var(&alpha, "alpha", 0.05, "significance threshold (defaults to the configured alpha)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the analysis as JSON")
	return cmd
}
