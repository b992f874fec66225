package assign

import (
	"context"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

// StaticRegistry serves a fixed experiment list, filtered by audience.
type StaticRegistry []experiment.Experiment

func (r StaticRegistry) ActiveExperiments(ctx context.Context, audience experiment.Audience) ([]experiment.Experiment, error) {
	var out []experiment.Experiment
	for _, exp := range r {
		if exp.Audience == audience {
			out = append(out, exp)
		}
	}
	return out, nil
}

// RegistryFunc adapts a function to Registry.
type RegistryFunc func(ctx context.Context, audience experiment.Audience) ([]experiment.Experiment, error)

func (f RegistryFunc) ActiveExperiments(ctx context.Context, audience experiment.Audience) ([]experiment.Experiment, error) {
	return f(ctx, audience)
}
