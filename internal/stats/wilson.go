package stats

import "math"

// WilsonInterval returns the Wilson score interval for a binomial
// proportion at the given confidence (0.95 for a 95% interval). It behaves
// far better than the normal approximation for small samples and rates
// near 0 or 1.
func WilsonInterval(successes, trials int, confidence float64) (lower, upper float64) {
	if trials <= 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	n := float64(trials)
	p := float64(successes) / n
	z2 := z * z

	denominator := 1 + z2/n
	center := (p + z2/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z2/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// ZScore returns the two-sided critical value for a confidence level.
//   - 0.90 -> 1.645
//   - 0.95 -> 1.96
//   - 0.99 -> 2.576
func ZScore(confidence float64) float64 {
	switch confidence {
	case 0.99:
		return 2.576
	case 0.95:
		return 1.96
	case 0.90:
		return 1.645
	}
	return inverseNormal((1 + confidence) / 2)
}

// inverseNormal is Acklam's rational approximation of the standard normal
// quantile function, accurate to about 1e-9.
func inverseNormal(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}

	a := [...]float64{-3.969683028665376e+01, 2.209460984245205e+02,
		-2.759285104469687e+02, 1.383577518672690e+02,
		-3.066479806614716e+01, 2.506628277459239e+00}
	b := [...]float64{-5.447609879822406e+01, 1.615858368580409e+02,
		-1.556989798598866e+02, 6.680131188771972e+01,
		-1.328068155288572e+01}
	c := [...]float64{-7.784894002430293e-03, -3.223964580411365e-01,
		-2.400758277161838e+00, -2.549732539343734e+00,
		4.374664141464968e+00, 2.938163982698783e+00}
	d := [...]float64{7.784695709041462e-03, 3.224671290700398e-01,
		2.445134137142996e+00, 3.754408661907416e+00}

	const pLow = 0.02425

	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p <= 1-pLow:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	default:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	}
}
