// Package stats compares variant conversion rates.
package stats

import "math"

// DefaultAlpha is the significance threshold used by CalculateSignificance.
const DefaultAlpha = 0.05

// Significance is the outcome of a two-proportion z-test.
type Significance struct {
	Significant bool    `json:"significant"`
	PValue      float64 `json:"pValue"`
	// ConfidenceLevel is 1 - PValue.
	ConfidenceLevel float64 `json:"confidenceLevel"`
}

// CalculateSignificance runs a two-tailed two-proportion z-test of the
// variant against the control at DefaultAlpha.
func CalculateSignificance(controlConversions, controlSamples, variantConversions, variantSamples int) Significance {
	return CalculateSignificanceAt(controlConversions, controlSamples, variantConversions, variantSamples, DefaultAlpha)
}

// CalculateSignificanceAt is CalculateSignificance with an explicit alpha.
// Empty samples on either side, or a zero standard error, give a p-value of 1.
func CalculateSignificanceAt(controlConversions, controlSamples, variantConversions, variantSamples int, alpha float64) Significance {
	z, ok := zStatistic(controlConversions, controlSamples, variantConversions, variantSamples)
	if !ok {
		return Significance{Significant: false, PValue: 1, ConfidenceLevel: 0}
	}

	p := math.Erfc(math.Abs(z) / math.Sqrt2)
	if p > 1 {
		p = 1
	}
	return Significance{
		Significant:     p < alpha,
		PValue:          p,
		ConfidenceLevel: 1 - p,
	}
}

// ChanceToBeat returns the one-sided confidence (0-1) that the variant's
// true rate exceeds the control's. Without data on both sides it is 0.5.
func ChanceToBeat(controlConversions, controlSamples, variantConversions, variantSamples int) float64 {
	if controlSamples <= 0 || variantSamples <= 0 {
		return 0.5
	}

	z, ok := zStatistic(controlConversions, controlSamples, variantConversions, variantSamples)
	if !ok {
		p1 := float64(controlConversions) / float64(controlSamples)
		p2 := float64(variantConversions) / float64(variantSamples)
		switch {
		case p2 > p1:
			return 1
		case p2 < p1:
			return 0
		}
		return 0.5
	}
	return normalCDF(z)
}

// zStatistic is (p2 - p1) / SE under the pooled null hypothesis. ok is false
// when either side has no samples or SE is zero.
func zStatistic(c1, n1, c2, n2 int) (float64, bool) {
	if n1 <= 0 || n2 <= 0 {
		return 0, false
	}

	p1 := float64(c1) / float64(n1)
	p2 := float64(c2) / float64(n2)
	pooled := float64(c1+c2) / float64(n1+n2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 || math.IsNaN(se) {
		return 0, false
	}
	return (p2 - p1) / se, true
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
