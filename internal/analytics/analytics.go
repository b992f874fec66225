// Package analytics wires one pipeline instance: variant assignment, event
// collection and conversion goal tracking for a single identity. Instances
// share nothing; a host creates one per visitor session.
package analytics

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/assign"
	"github.com/gkobilansky/funnel-goat/internal/collector"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/goals"
	"github.com/gkobilansky/funnel-goat/internal/metrics"
	"github.com/gkobilansky/funnel-goat/internal/persist"
)

// Deps are the collaborators an instance talks to.
type Deps struct {
	Registry  assign.Registry
	Transport collector.Transport
	// Scopes default to fresh in-memory stores.
	Scopes  persist.Scopes
	Clock   collector.Clock
	Logger  *zap.Logger
	Metrics *metrics.Client
}

type Config struct {
	Collector collector.Config
	// Goals defaults to goals.DefaultTable().
	Goals *goals.Table
	// Offline starts the instance without network access.
	Offline bool
}

type Instance struct {
	engine    *assign.Engine
	collector *collector.Collector
	tracker   *goals.Tracker
	logger    *zap.Logger

	mu      sync.Mutex
	exposed map[string]bool
}

// New builds an instance for identity. A missing session id is generated.
// The collector's flush ticker runs from here until Destroy.
func New(identity experiment.Identity, deps Deps, cfg Config) *Instance {
	if identity.SessionID == "" {
		identity.SessionID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = collector.SystemClock{}
	}
	if deps.Scopes.Durable == nil || deps.Scopes.Session == nil {
		mem := persist.NewMemoryScopes()
		if deps.Scopes.Durable == nil {
			deps.Scopes.Durable = mem.Durable
		}
		if deps.Scopes.Session == nil {
			deps.Scopes.Session = mem.Session
		}
	}
	logger := deps.Logger.With(zap.String("session", identity.SessionID))

	engine := assign.NewEngine(identity, deps.Registry, deps.Scopes,
		assign.WithClock(deps.Clock.Now),
		assign.WithLogger(logger))

	c := collector.New(identity, deps.Transport, deps.Scopes.Durable, cfg.Collector, collector.Options{
		Clock:   deps.Clock,
		Logger:  logger,
		Metrics: deps.Metrics,
		Offline: cfg.Offline,
	})

	tracker := goals.NewTracker(cfg.Goals, c, engine,
		goals.WithClock(deps.Clock.Now),
		goals.WithLogger(logger))

	return &Instance{
		engine:    engine,
		collector: c,
		tracker:   tracker,
		logger:    logger.With(zap.String("component", "analytics")),
		exposed:   make(map[string]bool),
	}
}

// Start loads the experiments live for the current audience. A registry
// failure leaves the instance running with no experiments.
func (in *Instance) Start(ctx context.Context) []experiment.Experiment {
	exps := in.engine.LoadActiveExperiments(ctx)
	in.logger.Debug("instance started", zap.Int("experiments", len(exps)))
	return exps
}

// Variant returns the identity's variant for an experiment, or nil. The
// first non-nil answer per experiment also records an exposure event.
func (in *Instance) Variant(ctx context.Context, experimentID string) *experiment.Variant {
	v := in.engine.GetVariant(ctx, experimentID)
	if v == nil {
		return nil
	}

	in.mu.Lock()
	first := !in.exposed[experimentID]
	in.exposed[experimentID] = true
	in.mu.Unlock()

	if first {
		in.collector.TrackExposure(experimentID, v.ID)
	}
	return v
}

// Overrides returns the component overrides of the assigned variant, or an
// empty slice.
func (in *Instance) Overrides(ctx context.Context, experimentID string) []experiment.Override {
	if in.Variant(ctx, experimentID) == nil {
		return []experiment.Override{}
	}
	return in.engine.GetComponentOverrides(ctx, experimentID)
}

// ClearAssignment forgets the stored variant so the next Variant call
// reassigns and records a fresh exposure.
func (in *Instance) ClearAssignment(ctx context.Context, experimentID string) {
	in.engine.ClearAssignment(ctx, experimentID)
	in.mu.Lock()
	delete(in.exposed, experimentID)
	in.mu.Unlock()
}

// SetAudience switches the identity's audience and reloads experiments for
// it.
func (in *Instance) SetAudience(ctx context.Context, a experiment.Audience) []experiment.Experiment {
	in.engine.SetAudience(a)
	in.collector.SetAudience(a)
	return in.engine.LoadActiveExperiments(ctx)
}

func (in *Instance) SetOnline(online bool) {
	in.collector.SetOnline(online)
}

func (in *Instance) Identity() experiment.Identity {
	return in.engine.Identity()
}

func (in *Instance) Engine() *assign.Engine {
	return in.engine
}

func (in *Instance) Collector() *collector.Collector {
	return in.collector
}

func (in *Instance) Goals() *goals.Tracker {
	return in.tracker
}

// Sync waits for every dispatched batch to be attempted.
func (in *Instance) Sync() {
	in.collector.Sync()
}

// Destroy hands queued events to the teardown beacon and stops the
// instance. It is safe to call more than once.
func (in *Instance) Destroy() {
	in.collector.Destroy()
}
