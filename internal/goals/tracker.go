package goals

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

// Sink accepts tracked events. *collector.Collector satisfies it.
type Sink interface {
	Track(p events.Payload) (events.Event, bool)
	Identity() experiment.Identity
}

// AssignmentSource reports the experiment variants resolved so far.
// *assign.Engine satisfies it.
type AssignmentSource interface {
	Assignments() map[string]string
}

type formState struct {
	started   time.Time
	lastField string
}

// Tracker turns clicks, form results and funnel steps into conversions.
type Tracker struct {
	table       *Table
	sink        Sink
	assignments AssignmentSource
	now         func() time.Time
	logger      *zap.Logger

	mu    sync.Mutex
	path  []string
	forms map[string]*formState
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewTracker(table *Table, sink Sink, assignments AssignmentSource, opts ...Option) *Tracker {
	if table == nil {
		table = DefaultTable()
	}
	t := &Tracker{
		table:       table,
		sink:        sink,
		assignments: assignments,
		now:         time.Now,
		logger:      zap.NewNop(),
		forms:       make(map[string]*formState),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "goals"))
	return t
}

// TrackCTAClick records the click and, when the action maps to a goal for
// the current audience, a conversion right after it.
func (t *Tracker) TrackCTAClick(click events.CTAClick) bool {
	t.sink.Track(click)

	g, ok := t.table.Match(t.audience(), TriggerCTA, click.Action)
	if !ok {
		return false
	}
	return t.convert(g, nil, map[string]any{"trigger": TriggerCTA, "action": click.Action})
}

// TrackFormStart notes when a form was first touched.
func (t *Tracker) TrackFormStart(formType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.forms[formType]; !ok {
		t.forms[formType] = &formState{started: t.now()}
	}
}

// TrackFormField records the last field the user completed.
func (t *Tracker) TrackFormField(formType, field string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.forms[formType]
	if !ok {
		st = &formState{started: t.now()}
		t.forms[formType] = st
	}
	st.lastField = field
}

// TrackFormSubmission records a successful submission and its matching
// conversion, or a form abandonment when the submission failed. A failure
// never converts.
func (t *Tracker) TrackFormSubmission(formType string, success bool, fields map[string]string) bool {
	t.mu.Lock()
	st := t.forms[formType]
	delete(t.forms, formType)
	t.mu.Unlock()

	if !success {
		abandon := events.FormAbandonment{FormType: formType, Reason: "submit_failed"}
		if st != nil {
			abandon.LastField = st.lastField
			abandon.ElapsedMs = t.now().Sub(st.started).Milliseconds()
		}
		t.sink.Track(abandon)
		return false
	}

	t.sink.Track(events.NewFormSubmission(formType, true, fields))

	g, ok := t.table.Match(t.audience(), TriggerForm, formType)
	if !ok {
		return false
	}
	return t.convert(g, nil, map[string]any{"trigger": TriggerForm, "formType": formType})
}

// TrackFunnelStep appends a step to the session's conversion path. Every
// later conversion carries the path.
func (t *Tracker) TrackFunnelStep(step string) {
	t.mu.Lock()
	t.path = append(t.path, step)
	index := len(t.path) - 1
	t.mu.Unlock()

	t.sink.Track(events.FunnelStep{Step: step, Index: index})
}

// Path returns the conversion path so far.
func (t *Tracker) Path() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.path...)
}

// TrackConversion emits a conversion for a goal of the current audience.
// An unknown goal is a no-op and returns false. A nil value falls back to
// the goal's configured value.
func (t *Tracker) TrackConversion(goalID string, value *float64, context map[string]any) bool {
	g, ok := t.table.Goal(t.audience(), goalID)
	if !ok {
		t.logger.Debug("ignoring conversion for unknown goal",
			zap.String("goal", goalID), zap.String("audience", string(t.audience())))
		return false
	}
	return t.convert(g, value, context)
}

func (t *Tracker) convert(g experiment.ConversionGoal, value *float64, context map[string]any) bool {
	if value == nil && g.Value != 0 {
		v := g.Value
		value = &v
	}

	conv := events.Conversion{
		GoalID:   g.ID,
		GoalName: g.Name,
		Value:    value,
		Path:     t.Path(),
		Context:  context,
	}
	if t.assignments != nil {
		if a := t.assignments.Assignments(); len(a) > 0 {
			conv.Experiments = a
		}
	}

	_, ok := t.sink.Track(conv)
	return ok
}

func (t *Tracker) audience() experiment.Audience {
	return t.sink.Identity().Audience
}
