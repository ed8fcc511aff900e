package oneclass

import "sort"

// Quantile returns the p-quantile of values with linear interpolation between
// the two closest ranks, position (n-1)*p. values is not modified.
func Quantile(values []float64, p float64) float64 {
	return Quantiles(values, []float64{p})[0]
}

// Quantiles evaluates several quantiles with a single sort.
func Quantiles(values []float64, ps []float64) []float64 {
	out := make([]float64, len(ps))
	if len(values) == 0 {
		return out
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	last := float64(len(sorted) - 1)
	for i, p := range ps {
		switch {
		case p <= 0:
			out[i] = sorted[0]
			continue
		case p >= 1:
			out[i] = sorted[len(sorted)-1]
			continue
		}
		h := last * p
		lo := int(h)
		frac := h - float64(lo)
		out[i] = sorted[lo]
		if frac > 0 {
			out[i] += frac * (sorted[lo+1] - sorted[lo])
		}
	}
	return out
}
