// Package events defines the analytics event model and its wire format.
//
// An Event is a tagged union: Name selects the category and Data carries the
// category's strongly typed customData. Events are immutable once built;
// batching groups them for transport but never edits them.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Event is one tracked occurrence. ID is unique per logical event so that
// downstream storage can drop redelivered copies.
type Event struct {
	ID        string
	Name      string
	Timestamp time.Time
	SessionID string
	UserID    string
	Audience  experiment.Audience
	Priority  Priority
	Data      Payload
}

// New stamps a payload with a fresh id and the identity's routing fields.
// Conversions and errors are high priority; everything else is normal.
func New(id experiment.Identity, data Payload, at time.Time) Event {
	name := string(data.Kind())
	if c, ok := data.(Custom); ok && c.Name != "" {
		name = c.Name
	}

	priority := PriorityNormal
	if k := data.Kind(); k == KindConversion || k == KindError {
		priority = PriorityHigh
	}

	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: at.UTC(),
		SessionID: id.SessionID,
		UserID:    id.UserID,
		Audience:  id.Audience,
		Priority:  priority,
		Data:      data,
	}
}

// Kind returns the category of the event's payload.
func (e Event) Kind() Kind {
	if e.Data == nil {
		return KindCustom
	}
	return e.Data.Kind()
}

type wireEvent struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Timestamp  time.Time           `json:"timestamp"`
	SessionID  string              `json:"sessionId"`
	UserID     string              `json:"userId,omitempty"`
	Audience   experiment.Audience `json:"audience"`
	Priority   Priority            `json:"priority"`
	CustomData json.RawMessage     `json:"customData,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch p := e.Data.(type) {
	case nil:
	case Custom:
		data = p.Data
	case *Custom:
		data = p.Data
	default:
		data = p
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal customData: %w", err)
	}

	priority := e.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	return json.Marshal(wireEvent{
		ID:         e.ID,
		Name:       e.Name,
		Timestamp:  e.Timestamp,
		SessionID:  e.SessionID,
		UserID:     e.UserID,
		Audience:   e.Audience,
		Priority:   priority,
		CustomData: raw,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	*e = Event{
		ID:        w.ID,
		Name:      w.Name,
		Timestamp: w.Timestamp,
		SessionID: w.SessionID,
		UserID:    w.UserID,
		Audience:  w.Audience,
		Priority:  w.Priority,
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}

	hasData := len(w.CustomData) > 0 && string(w.CustomData) != "null"

	if p := newPayload(Kind(w.Name)); p != nil {
		if hasData {
			if err := json.Unmarshal(w.CustomData, p); err != nil {
				return fmt.Errorf("failed to unmarshal %s customData: %w", w.Name, err)
			}
		}
		e.Data = deref(p)
		return nil
	}

	custom := Custom{Name: w.Name}
	if hasData {
		if err := json.Unmarshal(w.CustomData, &custom.Data); err != nil {
			return fmt.Errorf("failed to unmarshal %s customData: %w", w.Name, err)
		}
	}
	e.Data = custom
	return nil
}

// deref turns the pointer used for decoding back into the value type the
// rest of the package switches on.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *PageView:
		return *v
	case *SectionView:
		return *v
	case *SectionExit:
		return *v
	case *CTAClick:
		return *v
	case *FormSubmission:
		return *v
	case *FormAbandonment:
		return *v
	case *CalculatorStep:
		return *v
	case *ScrollMilestone:
		return *v
	case *Conversion:
		return *v
	case *Error:
		return *v
	case *Exposure:
		return *v
	case *FunnelStep:
		return *v
	}
	return p
}

// Batch is one transport unit: ordered events from a single session.
// A batch is accepted or retried as a whole.
type Batch struct {
	SessionID string  `json:"sessionId"`
	Events    []Event `json:"events"`
}
