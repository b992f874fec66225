package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

var lifecycleStatus = map[string]experiment.Status{
	"start": experiment.StatusRunning,
	"pause": experiment.StatusPaused,
	"end":   experiment.StatusEnded,
}

var lifecycleShort = map[string]string{
	"start": "Start or resume an experiment",
	"pause": "Pause a running experiment",
	"end":   "End an experiment, optionally declaring a winner",
}

// newLifecycleCmd builds start, pause or end.
func newLifecycleCmd(a *app, action string) *cobra.Command {
	var winner string
	to := lifecycleStatus[action]

	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: lifecycleShort[action],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			return a.withStore(func(s *store.SQLiteStore) error {
				ctx := cmd.Context()
				exp, err := getExperiment(ctx, s, id)
				if err != nil {
					return err
				}

				if winner != "" {
					if _, ok := exp.Variant(winner); !ok {
						return fmt.Errorf("unknown variant '%s' (experiment has: %s)", winner, variantIDs(exp))
					}
				}
				if err := experiment.Transition(exp.Status, to); err != nil {
					return err
				}

				if err := s.UpdateExperimentStatus(ctx, id, to, winner); err != nil {
					return fmt.Errorf("failed to update experiment: %w", err)
				}
				a.logger.Debug("experiment status changed",
					zap.String("experiment", id),
					zap.String("from", string(exp.Status)),
					zap.String("to", string(to)))

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Experiment '%s': %s -> %s\n", id, exp.Status, to)
				if winner != "" {
					fmt.Fprintf(out, "Declared winner: %s\n", winner)
				}
				return nil
			})
		},
	}

	if action == "end" {
		cmd.Long = `End an experiment. Ended experiments stop assigning variants and cannot
be restarted.

Example:
  fgoat end hero --winner bold`
		cmd.Flags().StringVarP(&winner, "winner", "w", "", "winning variant id")
	}
	return cmd
}

func variantIDs(exp *experiment.Experiment) string {
	ids := make([]string, len(exp.Variants))
	for i, v := range exp.Variants {
		ids[i] = v.ID
	}
	return fmt.Sprint(ids)
}
