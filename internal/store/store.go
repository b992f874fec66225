package store

import (
	"context"
	"time"

	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

// Store defines the interface for experiment and event storage
type Store interface {
	// Experiment operations
	CreateExperiment(ctx context.Context, exp *experiment.Experiment) error
	SaveExperiment(ctx context.Context, exp *experiment.Experiment) error
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)
	ListExperiments(ctx context.Context) ([]*experiment.Experiment, error)
	ListActiveExperiments(ctx context.Context, audience experiment.Audience, now time.Time) ([]experiment.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, status experiment.Status, winnerVariant string) error
	DeleteExperiment(ctx context.Context, id string) error

	// Event operations
	RecordEvents(ctx context.Context, evs []events.Event) (RecordResult, error)
	GetVariantStats(ctx context.Context, experimentID, goalID string) ([]VariantStats, error)
	GetEvents(ctx context.Context, experimentID string) ([]*EventRecord, error)

	// Lifecycle
	Close() error
}
