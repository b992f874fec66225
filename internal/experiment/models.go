package experiment

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAudience   = errors.New("invalid audience")
	ErrInvalidExperiment = errors.New("invalid experiment")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Audience is the caller's segment. Experiments and goals are scoped to one.
type Audience string

const (
	AudienceIndividual    Audience = "individual"
	AudienceInstitutional Audience = "institutional"
	AudienceEmployer      Audience = "employer"
)

// Audiences lists every valid audience in display order.
var Audiences = []Audience{AudienceIndividual, AudienceInstitutional, AudienceEmployer}

func ParseAudience(s string) (Audience, error) {
	for _, a := range Audiences {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAudience, s)
}

type Status string

const (
	StatusDraft   Status = "draft"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusEnded   Status = "ended"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusDraft, StatusRunning, StatusPaused, StatusEnded:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid status: %q", s)
}

// Transition checks a lifecycle change. Ended is final; paused experiments
// can be resumed; draft experiments can be started or ended without running.
func Transition(from, to Status) error {
	if from == to && to != StatusEnded {
		return nil
	}
	switch to {
	case StatusRunning:
		if from == StatusDraft || from == StatusPaused {
			return nil
		}
	case StatusPaused:
		if from == StatusRunning {
			return nil
		}
	case StatusEnded:
		if from != StatusEnded {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Identity is who is being bucketed and tracked.
type Identity struct {
	UserID    string   `json:"userId,omitempty"`
	SessionID string   `json:"sessionId"`
	Audience  Audience `json:"audience"`
}

// Key returns the hashing input and assignment routing key: the user id
// when known, else the session id.
func (id Identity) Key() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.SessionID
}

type Override struct {
	Component string         `json:"component" yaml:"component"`
	Props     map[string]any `json:"props,omitempty" yaml:"props,omitempty"`
}

type Variant struct {
	ID                 string     `json:"id" yaml:"id"`
	Name               string     `json:"name" yaml:"name"`
	Weight             float64    `json:"weight" yaml:"weight"`
	ComponentOverrides []Override `json:"componentOverrides,omitempty" yaml:"component_overrides,omitempty"`
}

// IsControl reports whether the variant changes nothing.
func (v Variant) IsControl() bool {
	return len(v.ComponentOverrides) == 0
}

type ConversionGoal struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Audience     Audience `json:"audience" yaml:"audience"`
	Type         string   `json:"type" yaml:"type"`
	Value        float64  `json:"value" yaml:"value"`
	TrackingCode string   `json:"trackingCode,omitempty" yaml:"tracking_code,omitempty"`
}

type Experiment struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name" yaml:"name"`
	Audience          Audience         `json:"audience" yaml:"audience"`
	Variants          []Variant        `json:"variants" yaml:"variants"`
	TrafficAllocation float64          `json:"trafficAllocationPercent" yaml:"traffic_allocation"`
	ConversionGoals   []ConversionGoal `json:"conversionGoals,omitempty" yaml:"conversion_goals,omitempty"`
	StartDate         time.Time        `json:"startDate" yaml:"start_date"`
	EndDate           *time.Time       `json:"endDate,omitempty" yaml:"end_date,omitempty"`
	Status            Status           `json:"status" yaml:"status"`
	WinnerVariant     string           `json:"winnerVariant,omitempty" yaml:"-"`
}

// Assignment is the persisted outcome of bucketing one identity.
type Assignment struct {
	ExperimentID string `json:"experimentId"`
	VariantID    string `json:"variantId"`
}

// EligibleAt reports whether the experiment is live for the audience at now.
// The date window is half open: [StartDate, EndDate).
func (e *Experiment) EligibleAt(audience Audience, now time.Time) bool {
	if e.Status != StatusRunning {
		return false
	}
	if e.Audience != audience {
		return false
	}
	if now.Before(e.StartDate) {
		return false
	}
	if e.EndDate != nil && !now.Before(*e.EndDate) {
		return false
	}
	return true
}

// Variant looks up a variant by id.
func (e *Experiment) Variant(id string) (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

// Control returns the first variant without overrides, or the first variant
// when every arm overrides something.
func (e *Experiment) Control() *Variant {
	if len(e.Variants) == 0 {
		return nil
	}
	for i := range e.Variants {
		if e.Variants[i].IsControl() {
			return &e.Variants[i]
		}
	}
	return &e.Variants[0]
}

func (e *Experiment) TotalWeight() float64 {
	var total float64
	for _, v := range e.Variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	return total
}

func (e *Experiment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidExperiment)
	}
	if _, err := ParseAudience(string(e.Audience)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExperiment, err)
	}
	if len(e.Variants) == 0 {
		return fmt.Errorf("%w: need at least 1 variant", ErrInvalidExperiment)
	}
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v.ID == "" {
			return fmt.Errorf("%w: variant id is required", ErrInvalidExperiment)
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: duplicate variant id %q", ErrInvalidExperiment, v.ID)
		}
		seen[v.ID] = true
		if v.Weight <= 0 {
			return fmt.Errorf("%w: variant %q weight must be > 0", ErrInvalidExperiment, v.ID)
		}
	}
	if e.TrafficAllocation < 0 || e.TrafficAllocation > 100 {
		return fmt.Errorf("%w: traffic allocation must be within 0-100", ErrInvalidExperiment)
	}
	if e.EndDate != nil && !e.EndDate.After(e.StartDate) {
		return fmt.Errorf("%w: end date must be after start date", ErrInvalidExperiment)
	}
	if e.Status == "" {
		e.Status = StatusDraft
	}
	if _, err := ParseStatus(string(e.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExperiment, err)
	}
	return nil
}
