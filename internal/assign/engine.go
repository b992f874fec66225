// Package assign buckets identities into experiment variants.
//
// Bucketing is deterministic per (identity key, experiment id) and the result
// is cached in both persistence scopes, so an identity keeps its variant for
// the life of the experiment unless the record is cleared explicitly.
package assign

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/persist"
)

const (
	durableKeyPrefix = "fg_assignments:"
	sessionKeyPrefix = "fg_session_assignments:"
)

// Registry supplies the experiments that are live for an audience.
type Registry interface {
	ActiveExperiments(ctx context.Context, audience experiment.Audience) ([]experiment.Experiment, error)
}

// record is one stored assignment. Excluded caches a traffic-allocation miss
// so the identity is not re-rolled on the next call.
type record struct {
	VariantID string `json:"variantId,omitempty"`
	Excluded  bool   `json:"excluded,omitempty"`
}

type Engine struct {
	registry Registry
	scopes   persist.Scopes
	now      func() time.Time
	logger   *zap.Logger

	mu          sync.Mutex
	identity    experiment.Identity
	experiments map[string]*experiment.Experiment
	order       []string
	resolved    map[string]string
}

type Option func(*Engine)

// WithClock overrides time.Now for eligibility checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEngine(identity experiment.Identity, registry Registry, scopes persist.Scopes, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		scopes:      scopes,
		now:         time.Now,
		logger:      zap.NewNop(),
		identity:    identity,
		experiments: make(map[string]*experiment.Experiment),
		resolved:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "assign"))
	return e
}

// LoadActiveExperiments replaces the engine's experiment set with the
// registry's live experiments for the current audience. Any registry failure
// leaves the set empty; it is logged and never returned.
func (e *Engine) LoadActiveExperiments(ctx context.Context) []experiment.Experiment {
	e.mu.Lock()
	audience := e.identity.Audience
	e.experiments = make(map[string]*experiment.Experiment)
	e.order = nil
	e.mu.Unlock()

	if e.registry == nil {
		return nil
	}

	loaded, err := e.registry.ActiveExperiments(ctx, audience)
	if err != nil {
		e.logger.Warn("failed to load experiments, continuing without any",
			zap.String("audience", string(audience)), zap.Error(err))
		return nil
	}

	now := e.now()
	var active []experiment.Experiment

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range loaded {
		exp := loaded[i]
		if err := exp.Validate(); err != nil {
			e.logger.Warn("skipping invalid experiment", zap.String("experiment", exp.ID), zap.Error(err))
			continue
		}
		if !exp.EligibleAt(audience, now) {
			continue
		}
		if _, dup := e.experiments[exp.ID]; dup {
			continue
		}
		e.experiments[exp.ID] = &exp
		e.order = append(e.order, exp.ID)
		active = append(active, exp)
	}

	e.logger.Debug("experiments loaded",
		zap.String("audience", string(audience)),
		zap.Int("received", len(loaded)),
		zap.Int("active", len(active)))
	return active
}

// Experiments returns the loaded experiment set in registry order.
func (e *Engine) Experiments() []experiment.Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]experiment.Experiment, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.experiments[id])
	}
	return out
}

func (e *Engine) Identity() experiment.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// SetAudience changes the caller's current audience. Experiments for another
// audience stop matching immediately; call LoadActiveExperiments to fetch the
// new audience's set.
func (e *Engine) SetAudience(a experiment.Audience) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity.Audience = a
}

// GetVariant returns the identity's variant, or nil when the experiment is
// unknown or ineligible, the audience does not match, or the identity falls
// outside the traffic allocation.
func (e *Engine) GetVariant(ctx context.Context, experimentID string) *experiment.Variant {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.experiments[experimentID]
	if !ok {
		return nil
	}
	if exp.Audience != e.identity.Audience {
		return nil
	}
	if !exp.EligibleAt(e.identity.Audience, e.now()) {
		return nil
	}

	if rec, found := e.lookup(ctx, experimentID); found {
		if rec.Excluded {
			return nil
		}
		if v, ok := exp.Variant(rec.VariantID); ok {
			e.resolved[experimentID] = v.ID
			return v
		}
		e.logger.Warn("stored variant no longer exists, reassigning",
			zap.String("experiment", experimentID), zap.String("variant", rec.VariantID))
	}

	rec, v := e.compute(exp)
	e.save(ctx, experimentID, rec)
	if v == nil {
		return nil
	}
	e.resolved[experimentID] = v.ID
	return v
}

func (e *Engine) IsInExperiment(ctx context.Context, experimentID string) bool {
	return e.GetVariant(ctx, experimentID) != nil
}

func (e *Engine) IsInVariant(ctx context.Context, experimentID, variantID string) bool {
	v := e.GetVariant(ctx, experimentID)
	return v != nil && v.ID == variantID
}

// GetComponentOverrides returns the assigned variant's overrides, or an empty
// slice when there are none.
func (e *Engine) GetComponentOverrides(ctx context.Context, experimentID string) []experiment.Override {
	v := e.GetVariant(ctx, experimentID)
	if v == nil || len(v.ComponentOverrides) == 0 {
		return []experiment.Override{}
	}
	out := make([]experiment.Override, len(v.ComponentOverrides))
	copy(out, v.ComponentOverrides)
	return out
}

// Assignments returns the variants resolved so far, keyed by experiment id.
func (e *Engine) Assignments() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]string, len(e.resolved))
	for k, v := range e.resolved {
		out[k] = v
	}
	return out
}

// ClearAssignment deletes the stored assignment for one experiment in both
// scopes. The next GetVariant computes it afresh.
func (e *Engine) ClearAssignment(ctx context.Context, experimentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.resolved, experimentID)
	for _, target := range e.targets() {
		m := e.readMap(ctx, target.store, target.key)
		if _, ok := m[experimentID]; !ok {
			continue
		}
		delete(m, experimentID)
		e.writeMap(ctx, target.store, target.key, m)
	}
}

func (e *Engine) compute(exp *experiment.Experiment) (record, *experiment.Variant) {
	allocation, selection := bucket(e.identity.Key(), exp.ID)
	if allocation >= exp.TrafficAllocation {
		return record{Excluded: true}, nil
	}
	v := pickVariant(exp.Variants, selection)
	if v == nil {
		return record{Excluded: true}, nil
	}
	return record{VariantID: v.ID}, v
}

type target struct {
	store persist.Store
	key   string
}

// targets lists where assignments live, in read-preference order: the
// durable per-user map first, then the per-session map.
func (e *Engine) targets() []target {
	var out []target
	if e.identity.UserID != "" && e.scopes.Durable != nil {
		out = append(out, target{e.scopes.Durable, durableKeyPrefix + e.identity.UserID})
	}
	if e.identity.SessionID != "" && e.scopes.Session != nil {
		out = append(out, target{e.scopes.Session, sessionKeyPrefix + e.identity.SessionID})
	}
	return out
}

func (e *Engine) lookup(ctx context.Context, experimentID string) (record, bool) {
	for _, t := range e.targets() {
		if rec, ok := e.readMap(ctx, t.store, t.key)[experimentID]; ok {
			return rec, true
		}
	}
	return record{}, false
}

func (e *Engine) save(ctx context.Context, experimentID string, rec record) {
	for _, t := range e.targets() {
		m := e.readMap(ctx, t.store, t.key)
		m[experimentID] = rec
		e.writeMap(ctx, t.store, t.key, m)
	}
}

// readMap treats missing, unreadable and unparseable data alike: as an empty
// map that the next write overwrites.
func (e *Engine) readMap(ctx context.Context, store persist.Store, key string) map[string]record {
	m := make(map[string]record)

	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		e.logger.Warn("failed to read assignments", zap.String("key", key), zap.Error(err))
		return m
	}
	if !ok || raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		e.logger.Warn("discarding corrupt assignments", zap.String("key", key), zap.Error(err))
		return make(map[string]record)
	}
	return m
}

func (e *Engine) writeMap(ctx context.Context, store persist.Store, key string, m map[string]record) {
	b, err := json.Marshal(m)
	if err != nil {
		e.logger.Warn("failed to marshal assignments", zap.String("key", key), zap.Error(err))
		return
	}
	if err := store.Set(ctx, key, string(b)); err != nil {
		e.logger.Warn("failed to write assignments", zap.String("key", key), zap.Error(err))
	}
}
