package assign

import (
	"github.com/cespare/xxhash/v2"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

const twoTo32 = float64(1 << 32)

// bucket derives both bucketing values from one 64-bit hash of
// key + ":" + experimentID. The high 32 bits give the allocation value in
// [0, 100); the low 32 bits give the selection value in [0, 1).
func bucket(key, experimentID string) (allocation, selection float64) {
	h := xxhash.Sum64String(key + ":" + experimentID)
	allocation = float64(h>>32) / twoTo32 * 100
	selection = float64(uint32(h)) / twoTo32
	return allocation, selection
}

// pickVariant walks the cumulative weights in declaration order. Each variant
// owns the half-open interval [lower, upper); a value landing exactly on a
// boundary belongs to the later variant.
func pickVariant(variants []experiment.Variant, selection float64) *experiment.Variant {
	var total float64
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total <= 0 {
		return nil
	}

	target := selection * total
	var cumulative float64
	var last *experiment.Variant
	for i := range variants {
		if variants[i].Weight <= 0 {
			continue
		}
		cumulative += variants[i].Weight
		last = &variants[i]
		if target < cumulative {
			return last
		}
	}
	// Float rounding can leave target == total.
	return last
}
