package stats

import (
	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

// Result is the analysis of one experiment for one goal.
type Result struct {
	ExperimentID string          `json:"experimentId"`
	GoalID       string          `json:"goalId,omitempty"`
	Control      string          `json:"control"`
	Leading      string          `json:"leading"`
	Variants     []VariantResult `json:"variants"`
	// Significance of the leading variant against the control, or of the
	// best challenger when the control leads.
	Significance Significance `json:"significance"`
}

type VariantResult struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	IsControl   bool    `json:"isControl"`
	Samples     int     `json:"samples"`
	Conversions int     `json:"conversions"`
	Rate        float64 `json:"rate"`
	CILower     float64 `json:"ciLower"`
	CIUpper     float64 `json:"ciUpper"`
	// Lift is the relative change of Rate against the control rate.
	Lift         float64       `json:"lift"`
	ChanceToBeat float64       `json:"chanceToBeatControl"`
	Significance *Significance `json:"significance,omitempty"`
}

// Analyze computes per-variant rates, Wilson intervals and significance
// against the control. Variants missing from counts get zero samples.
func Analyze(exp *experiment.Experiment, counts []store.VariantStats, alpha float64) *Result {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}

	byID := make(map[string]store.VariantStats, len(counts))
	for _, c := range counts {
		byID[c.VariantID] = c
	}

	res := &Result{ExperimentID: exp.ID}
	control := exp.Control()
	if control == nil {
		return res
	}
	res.Control = control.ID
	ctrl := byID[control.ID]

	ctrlRate := rate(ctrl.Conversions, ctrl.Samples)
	maxRate := -1.0
	for _, v := range exp.Variants {
		c := byID[v.ID]
		lo, hi := WilsonInterval(c.Conversions, c.Samples, 1-alpha)
		vr := VariantResult{
			ID:          v.ID,
			Name:        v.Name,
			IsControl:   v.ID == control.ID,
			Samples:     c.Samples,
			Conversions: c.Conversions,
			Rate:        rate(c.Conversions, c.Samples),
			CILower:     lo,
			CIUpper:     hi,
		}
		if !vr.IsControl {
			sig := CalculateSignificanceAt(ctrl.Conversions, ctrl.Samples, c.Conversions, c.Samples, alpha)
			vr.Significance = &sig
			vr.ChanceToBeat = ChanceToBeat(ctrl.Conversions, ctrl.Samples, c.Conversions, c.Samples)
			if ctrlRate > 0 {
				vr.Lift = (vr.Rate - ctrlRate) / ctrlRate
			}
		}
		if vr.Rate > maxRate {
			maxRate = vr.Rate
			res.Leading = v.ID
		}
		res.Variants = append(res.Variants, vr)
	}

	// Compare the leader against the control; when the control leads,
	// compare it against the strongest challenger instead.
	var challenger *VariantResult
	for i := range res.Variants {
		vr := &res.Variants[i]
		if vr.IsControl {
			continue
		}
		if vr.ID == res.Leading {
			challenger = vr
			break
		}
		if challenger == nil || vr.Rate > challenger.Rate {
			challenger = vr
		}
	}
	if challenger != nil && challenger.Significance != nil {
		res.Significance = *challenger.Significance
	} else {
		res.Significance = Significance{PValue: 1}
	}
	return res
}

func rate(conversions, samples int) float64 {
	if samples <= 0 {
		return 0
	}
	return float64(conversions) / float64(samples)
}
