// Package testutil holds helpers shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

// SetupTestStore creates a test database in t.TempDir() and closes it when
// the test completes.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// RunningExperiment returns a valid two-arm running experiment that started
// an hour ago and has no end date.
func RunningExperiment(id string, audience experiment.Audience) *experiment.Experiment {
	return &experiment.Experiment{
		ID:                id,
		Name:              id,
		Audience:          audience,
		TrafficAllocation: 100,
		StartDate:         time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		Status:            experiment.StatusRunning,
		Variants: []experiment.Variant{
			{ID: "control", Name: "Control", Weight: 1},
			{ID: "treatment", Name: "Treatment", Weight: 1, ComponentOverrides: []experiment.Override{
				{Component: "hero", Props: map[string]any{"headline": "Ship faster"}},
			}},
		},
	}
}
