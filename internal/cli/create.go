package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

type createOptions struct {
	file       string
	name       string
	audience   string
	variants   string
	weights    string
	component  string
	allocation float64
	start      string
	end        string
	goals      []string
	run        bool
}

func newCreateCmd(a *app) *cobra.Command {
	var opts createOptions

	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Create a new experiment",
		Long: `Create a new experiment from flags or from a YAML file.

The first variant is the control and changes nothing. Every other variant
overrides --component with a "variant" prop naming itself.

Examples:
  fgoat create hero --audience individual --variants "control,bold"
  fgoat create pricing --audience employer --variants "control,annual,monthly" --weights "2,1,1" --run
  fgoat create --file experiments/hero.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				exp *experiment.Experiment
				err error
			)
			if opts.file != "" {
				exp, err = experimentFromFile(opts.file)
			} else {
				if len(args) == 0 {
					return fmt.Errorf("experiment id is required unless --file is given")
				}
				if opts.audience == "" {
					if opts.audience, err = promptAudience(); err != nil {
						return err
					}
				}
				exp, err = opts.experiment(args[0], time.Now().UTC())
			}
			if err != nil {
				return err
			}

			return a.withStore(func(s *store.SQLiteStore) error {
				if err := s.CreateExperiment(cmd.Context(), exp); err != nil {
					if errors.Is(err, store.ErrAlreadyExists) {
						return fmt.Errorf("experiment '%s' already exists", exp.ID)
					}
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created experiment '%s' (%s, %s) with %d variants:\n",
					exp.ID, exp.Audience, exp.Status, len(exp.Variants))
				for _, v := range exp.Variants {
					marker := ""
					if v.IsControl() {
						marker = " (control)"
					}
					fmt.Fprintf(out, "  %s  weight %g%s\n", v.ID, v.Weight, marker)
				}
				fmt.Fprintf(out, "  Traffic: %g%%\n", exp.TrafficAllocation)
				if exp.EndDate != nil {
					fmt.Fprintf(out, "  Ends: %s\n", exp.EndDate.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "YAML experiment definition")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVarP(&opts.audience, "audience", "a", "", "audience: individual, institutional or employer (prompted when empty)")
	cmd.Flags().StringVarP(&opts.variants, "variants", "v", "control,treatment", "comma-separated variant ids; the first is the control")
	cmd.Flags().StringVar(&opts.weights, "weights", "", "comma-separated variant weights (default equal)")
	cmd.Flags().StringVar(&opts.component, "component", "hero", "component the non-control variants override")
	cmd.Flags().Float64Var(&opts.allocation, "allocation", 100, "percent of the audience enrolled (0-100)")
	cmd.Flags().StringVar(&opts.start, "start", "", "start date, RFC 3339 (default now)")
	cmd.Flags().StringVar(&opts.end, "end", "", "end date, RFC 3339 (default open ended)")
	cmd.Flags().StringSliceVar(&opts.goals, "goal", nil, "conversion goal id to attach (repeatable)")
	cmd.Flags().BoolVar(&opts.run, "run", false, "create in running state instead of draft")

	return cmd
}

func (o createOptions) experiment(id string, now time.Time) (*experiment.Experiment, error) {
	audience, err := experiment.ParseAudience(o.audience)
	if err != nil {
		return nil, err
	}

	ids := splitList(o.variants)
	if len(ids) < 2 {
		return nil, fmt.Errorf("need at least 2 variants. Example: --variants \"control,bold\"")
	}

	weights := make([]float64, len(ids))
	for i := range weights {
		weights[i] = 1
	}
	if o.weights != "" {
		parts := splitList(o.weights)
		if len(parts) != len(ids) {
			return nil, fmt.Errorf("got %d weights for %d variants", len(parts), len(ids))
		}
		for i, p := range parts {
			w, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid weight %q: %w", p, err)
			}
			weights[i] = w
		}
	}

	exp := &experiment.Experiment{
		ID:                id,
		Name:              o.name,
		Audience:          audience,
		TrafficAllocation: o.allocation,
		StartDate:         now,
		Status:            experiment.StatusDraft,
	}
	if exp.Name == "" {
		exp.Name = id
	}
	if o.run {
		exp.Status = experiment.StatusRunning
	}
	if o.start != "" {
		if exp.StartDate, err = time.Parse(time.RFC3339, o.start); err != nil {
			return nil, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if o.end != "" {
		end, err := time.Parse(time.RFC3339, o.end)
		if err != nil {
			return nil, fmt.Errorf("invalid --end: %w", err)
		}
		exp.EndDate = &end
	}

	for i, vid := range ids {
		v := experiment.Variant{ID: vid, Name: vid, Weight: weights[i]}
		if i > 0 {
			v.ComponentOverrides = []experiment.Override{{
				Component: o.component,
				Props:     map[string]any{"variant": vid},
			}}
		}
		exp.Variants = append(exp.Variants, v)
	}
	for _, g := range o.goals {
		exp.ConversionGoals = append(exp.ConversionGoals, experiment.ConversionGoal{ID: g, Name: g, Audience: audience})
	}

	return exp, exp.Validate()
}

func experimentFromFile(path string) (*experiment.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment file: %w", err)
	}
	exp := &experiment.Experiment{TrafficAllocation: 100}
	if err := yaml.Unmarshal(data, exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment file: %w", err)
	}
	if exp.StartDate.IsZero() {
		exp.StartDate = time.Now().UTC()
	}
	if exp.Name == "" {
		exp.Name = exp.ID
	}
	return exp, exp.Validate()
}

func promptAudience() (string, error) {
	items := make([]string, len(experiment.Audiences))
	for i, a := range experiment.Audiences {
		items[i] = string(a)
	}

	prompt := promptui.Select{
		Label: "Audience",
		Items: items,
		Size:  len(items),
	}

	_, audience, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", err
	}
	return audience, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
