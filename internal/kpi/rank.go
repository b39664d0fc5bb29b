package kpi

import "math"

// rankAndPercentile uses competition ranking against peers (self excluded).
// Percentile is the share of peers scoring strictly lower, 100 when alone.
func rankAndPercentile(score float64, peers []float64) (int, float64) {
	if len(peers) == 0 {
		return 1, 100
	}
	higher, lower := 0, 0
	for _, peer := range peers {
		switch {
		case peer > score:
			higher++
		case peer < score:
			lower++
		}
	}
	return 1 + higher, math.Round(100 * float64(lower) / float64(len(peers)))
}
