package store

import "time"

// EventRecord is one stored analytics event.
type EventRecord struct {
	ID           int64
	EventID      string
	Name         string
	SessionID    string
	UserID       string
	Audience     string
	Priority     string
	ExperimentID string // exposures only
	VariantID    string // exposures only
	GoalID       string // conversions only
	Payload      string // the event as received, JSON
	OccurredAt   time.Time
	ReceivedAt   time.Time
}

// VariantStats are the reporting counts for one variant: distinct exposed
// sessions and how many of them converted.
type VariantStats struct {
	VariantID   string
	Samples     int
	Conversions int
}

// RecordResult reports how many events of a batch were new.
type RecordResult struct {
	Inserted   int
	Duplicates int
	// ByName counts inserted events per event name.
	ByName map[string]int
}
