package aggregation

import "sort"

// median returns the median of xs without modifying it.
// Even-length inputs average the two middle values.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}

	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	lo, hi := sorted[mid-1], sorted[mid]

	// lo + (hi-lo)/2 keeps equal middles exact and avoids overflow
	return lo + (hi-lo)/2
}

// coordinateMedian returns the per-coordinate median of the given updates.
func coordinateMedian(updates []Update, dim int) Vector {
	out := make(Vector, dim)
	column := make([]float64, len(updates))

	for j := 0; j < dim; j++ {
		for i, u := range updates {
			column[i] = u.vector[j]
		}
		out[j] = median(column)
	}

	return out
}
