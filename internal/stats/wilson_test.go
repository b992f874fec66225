package stats_test

import (
	"math"
	"testing"

	"github.com/gkobilansky/funnel-goat/internal/stats"
)

func TestWilsonInterval_Basic(t *testing.T) {
	lower, upper := stats.WilsonInterval(10, 100, 0.95)

	// Known Wilson interval for 10/100 at 95%: [0.0552, 0.1744]
	if math.Abs(lower-0.0552) > 0.001 {
		t.Errorf("got lower %f, want ~0.0552", lower)
	}
	if math.Abs(upper-0.1744) > 0.001 {
		t.Errorf("got upper %f, want ~0.1744", upper)
	}
}

func TestWilsonInterval_ZeroTrials(t *testing.T) {
	lower, upper := stats.WilsonInterval(0, 0, 0.95)
	if lower != 0 || upper != 0 {
		t.Errorf("got [%f, %f], want [0, 0]", lower, upper)
	}
}

func TestWilsonInterval_Bounds(t *testing.T) {
	for _, c := range [][2]int{{0, 10}, {10, 10}, {1, 1000}, {999, 1000}} {
		lower, upper := stats.WilsonInterval(c[0], c[1], 0.95)
		if lower < 0 || upper > 1 || lower > upper {
			t.Errorf("WilsonInterval(%d, %d) = [%f, %f], out of bounds", c[0], c[1], lower, upper)
		}
	}
}

func TestWilsonInterval_NarrowsWithSamples(t *testing.T) {
	l1, u1 := stats.WilsonInterval(10, 100, 0.95)
	l2, u2 := stats.WilsonInterval(100, 1000, 0.95)

	if u2-l2 >= u1-l1 {
		t.Errorf("got width %f for n=1000, want narrower than %f for n=100", u2-l2, u1-l1)
	}
}

func TestZScore(t *testing.T) {
	tests := []struct {
		confidence float64
		want       float64
	}{
		{0.90, 1.645},
		{0.95, 1.96},
		{0.99, 2.576},
		{0.80, 1.2816},
		{0.98, 2.3263},
	}

	for _, tc := range tests {
		if got := stats.ZScore(tc.confidence); math.Abs(got-tc.want) > 0.001 {
			t.Errorf("ZScore(%v) = %f, want %f", tc.confidence, got, tc.want)
		}
	}
}
