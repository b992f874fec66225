package stats_test

import (
	"testing"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/stats"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

func heroExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		ID:                "hero",
		Audience:          experiment.AudienceIndividual,
		TrafficAllocation: 100,
		Status:            experiment.StatusRunning,
		Variants: []experiment.Variant{
			{ID: "bold", Name: "Bold", Weight: 1, ComponentOverrides: []experiment.Override{{Component: "hero"}}},
			{ID: "control", Name: "Control", Weight: 1},
		},
	}
}

func TestAnalyze_BasicResults(t *testing.T) {
	counts := []store.VariantStats{
		{VariantID: "control", Samples: 100, Conversions: 10},
		{VariantID: "bold", Samples: 100, Conversions: 20},
	}

	result := stats.Analyze(heroExperiment(), counts, 0.05)

	if len(result.Variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(result.Variants))
	}
	if result.Control != "control" {
		t.Errorf("got control %s, want control (the arm without overrides)", result.Control)
	}
	if result.Leading != "bold" {
		t.Errorf("got leading %s, want bold", result.Leading)
	}

	bold := result.Variants[0]
	if bold.Rate < 0.19 || bold.Rate > 0.21 {
		t.Errorf("bold rate %f not ~0.20", bold.Rate)
	}
	if bold.Lift < 0.99 || bold.Lift > 1.01 {
		t.Errorf("bold lift %f not ~1.0", bold.Lift)
	}
	if bold.Significance == nil {
		t.Fatal("expected significance for non-control variant")
	}
	if result.Variants[1].Significance != nil {
		t.Error("control should not be tested against itself")
	}
}

func TestAnalyze_ConfidenceIntervals(t *testing.T) {
	counts := []store.VariantStats{
		{VariantID: "control", Samples: 1000, Conversions: 100},
		{VariantID: "bold", Samples: 1000, Conversions: 150},
	}

	result := stats.Analyze(heroExperiment(), counts, 0.05)

	for _, v := range result.Variants {
		if v.CILower >= v.Rate || v.CIUpper <= v.Rate {
			t.Errorf("variant %s: CI [%f, %f] does not contain rate %f", v.ID, v.CILower, v.CIUpper, v.Rate)
		}
	}
	if !result.Significance.Significant {
		t.Errorf("expected overall significance, got %+v", result.Significance)
	}
}

func TestAnalyze_EmptyStats(t *testing.T) {
	result := stats.Analyze(heroExperiment(), nil, 0.05)

	if len(result.Variants) != 2 {
		t.Fatalf("got %d variants, want 2 even with empty stats", len(result.Variants))
	}
	for _, v := range result.Variants {
		if v.Samples != 0 || v.Conversions != 0 {
			t.Errorf("variant %s: expected zero counts", v.ID)
		}
	}
	if result.Significance.Significant || result.Significance.PValue != 1 {
		t.Errorf("got %+v, want pValue 1", result.Significance)
	}
}

func TestAnalyze_ControlLeading(t *testing.T) {
	exp := heroExperiment()
	exp.Variants = append(exp.Variants, experiment.Variant{
		ID: "calm", Name: "Calm", Weight: 1,
		ComponentOverrides: []experiment.Override{{Component: "hero", Props: map[string]any{"tone": "calm"}}},
	})
	counts := []store.VariantStats{
		{VariantID: "control", Samples: 500, Conversions: 100},
		{VariantID: "bold", Samples: 500, Conversions: 40},
		{VariantID: "calm", Samples: 500, Conversions: 80},
	}

	result := stats.Analyze(exp, counts, 0.05)

	if result.Leading != "control" {
		t.Fatalf("got leading %s, want control", result.Leading)
	}
	calm := result.Variants[2]
	if result.Significance != *calm.Significance {
		t.Errorf("expected overall significance to compare against best challenger calm")
	}
}
