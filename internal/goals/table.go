// Package goals maps user actions to conversion goals and emits the
// resulting conversion events.
package goals

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

// Trigger kinds used in trigger mapping keys ("cta:apply_now").
const (
	TriggerCTA  = "cta"
	TriggerForm = "form"
)

// AudienceGoals is one audience's slice of the goal table.
type AudienceGoals struct {
	Goals []experiment.ConversionGoal `yaml:"goals"`
	// Triggers maps "<trigger>:<name>" to a goal id.
	Triggers map[string]string `yaml:"triggers,omitempty"`
}

// Table holds the configured conversion goals per audience.
type Table struct {
	audiences map[experiment.Audience]AudienceGoals
}

func NewTable(byAudience map[experiment.Audience]AudienceGoals) *Table {
	t := &Table{audiences: make(map[experiment.Audience]AudienceGoals, len(byAudience))}
	for a, ag := range byAudience {
		for i := range ag.Goals {
			ag.Goals[i].Audience = a
		}
		t.audiences[a] = ag
	}
	return t
}

// DefaultTable is the built-in goal set used when no goal file is configured.
func DefaultTable() *Table {
	return NewTable(map[experiment.Audience]AudienceGoals{
		experiment.AudienceIndividual: {
			Goals: []experiment.ConversionGoal{
				{ID: "start_application", Name: "Start application", Type: TriggerCTA, Value: 50, TrackingCode: "apply_now"},
				{ID: "newsletter_signup", Name: "Newsletter signup", Type: TriggerForm, Value: 5, TrackingCode: "newsletter"},
			},
			Triggers: map[string]string{
				"cta:apply_now":         "start_application",
				"cta:start_application": "start_application",
				"form:newsletter":       "newsletter_signup",
			},
		},
		experiment.AudienceInstitutional: {
			Goals: []experiment.ConversionGoal{
				{ID: "request_demo", Name: "Request demo", Type: TriggerCTA, Value: 200, TrackingCode: "request_demo"},
			},
			Triggers: map[string]string{
				"cta:request_demo":  "request_demo",
				"form:demo_request": "request_demo",
			},
		},
		experiment.AudienceEmployer: {
			Goals: []experiment.ConversionGoal{
				{ID: "post_job", Name: "Post a job", Type: TriggerCTA, Value: 150, TrackingCode: "post_job"},
				{ID: "contact_sales", Name: "Contact sales", Type: TriggerForm, Value: 100, TrackingCode: "contact_sales"},
			},
			Triggers: map[string]string{
				"cta:post_job":       "post_job",
				"form:contact_sales": "contact_sales",
			},
		},
	})
}

// LoadTable reads a YAML goal file keyed by audience.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read goal file: %w", err)
	}
	return ParseTable(data)
}

func ParseTable(data []byte) (*Table, error) {
	var raw map[string]AudienceGoals
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse goal file: %w", err)
	}

	byAudience := make(map[experiment.Audience]AudienceGoals, len(raw))
	for name, ag := range raw {
		a, err := experiment.ParseAudience(name)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(ag.Goals))
		for _, g := range ag.Goals {
			if g.ID == "" {
				return nil, fmt.Errorf("goal without id for audience %s", a)
			}
			if seen[g.ID] {
				return nil, fmt.Errorf("duplicate goal %q for audience %s", g.ID, a)
			}
			seen[g.ID] = true
		}
		for key, id := range ag.Triggers {
			if !seen[id] {
				return nil, fmt.Errorf("trigger %q points at unknown goal %q", key, id)
			}
		}
		byAudience[a] = ag
	}
	return NewTable(byAudience), nil
}

// Goals returns the audience's goals.
func (t *Table) Goals(a experiment.Audience) []experiment.ConversionGoal {
	return t.audiences[a].Goals
}

// Goal looks up a goal by id within one audience.
func (t *Table) Goal(a experiment.Audience, id string) (experiment.ConversionGoal, bool) {
	for _, g := range t.audiences[a].Goals {
		if g.ID == id {
			return g, true
		}
	}
	return experiment.ConversionGoal{}, false
}

// Match finds the goal a trigger converts. The explicit trigger mapping wins,
// then a goal whose tracking code equals name, then a goal whose type equals
// name.
func (t *Table) Match(a experiment.Audience, trigger, name string) (experiment.ConversionGoal, bool) {
	ag, ok := t.audiences[a]
	if !ok || name == "" {
		return experiment.ConversionGoal{}, false
	}

	if id, ok := ag.Triggers[trigger+":"+name]; ok {
		if g, ok := t.Goal(a, id); ok {
			return g, true
		}
	}
	for _, g := range ag.Goals {
		if g.TrackingCode == name && (g.Type == "" || g.Type == trigger) {
			return g, true
		}
	}
	for _, g := range ag.Goals {
		if g.Type == name {
			return g, true
		}
	}
	return experiment.ConversionGoal{}, false
}
