package fetcher

import "sort"

// computeModuloHeights returns every k·M with nextHeight ≤ k·M ≤ lastBuffered,
// for each configured modulo M (Block handlers whose only filter is
// "every Mth block").
func computeModuloHeights(moduli []uint64, nextHeight, lastBuffered uint64) []uint64 {
	var out []uint64
	for _, m := range moduli {
		if m == 0 {
			continue
		}
		first := ((nextHeight + m - 1) / m) * m
		for k := first; k <= lastBuffered; k += m {
			out = append(out, k)
		}
	}
	return out
}

// mergeSortedUnique merges two ascending, deduplicated height lists into
// one ascending, deduplicated list.
func mergeSortedUnique(a, b []uint64) []uint64 {
	all := append(append([]uint64{}, a...), b...)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	out := all[:0:0]
	for i, h := range all {
		if i == 0 || h != all[i-1] {
			out = append(out, h)
		}
	}
	return out
}

// subtractBypass removes every height in bypass from heights.
func subtractBypass(heights []uint64, bypass map[uint64]struct{}) []uint64 {
	if len(bypass) == 0 {
		return heights
	}
	out := heights[:0:0]
	for _, h := range heights {
		if _, skip := bypass[h]; !skip {
			out = append(out, h)
		}
	}
	return out
}

// truncateToFreeSize returns the prefix of heights that fits within
// freeSize, and reports whether anything was deferred.
func truncateToFreeSize(heights []uint64, freeSize int) (kept []uint64, deferred bool) {
	if len(heights) <= freeSize {
		return heights, false
	}
	return heights[:freeSize], true
}
