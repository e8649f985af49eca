package xmatch

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// BulkStats summarizes the positional and flux agreement of a batch of
// matches against a reference catalog.
type BulkStats struct {
	MedianDRAArcsec    float64
	MADDRAArcsec       float64
	MedianDDecArcsec   float64
	MADDDecArcsec      float64
	FluxScaleCorrection float64
	NFluxRatios        int
}

// ComputeBulkStats reduces a slice of Match to median positional offsets (and
// their median absolute deviations) plus a flux-scale correction, the median
// of all valid flux ratios. Matches lacking a flux ratio are excluded from
// the flux computation only.
func ComputeBulkStats(matches []Match) BulkStats {
	dra := make([]float64, len(matches))
	ddec := make([]float64, len(matches))
	for i, m := range matches {
		dra[i] = m.DRAArcsec
		ddec[i] = m.DDecArcsec
	}

	var ratios []float64
	for _, m := range matches {
		if m.HasFluxRatio && !math.IsNaN(m.FluxRatio) && !math.IsInf(m.FluxRatio, 0) && m.FluxRatio > 0 {
			ratios = append(ratios, m.FluxRatio)
		}
	}

	medRA := median(dra)
	medDec := median(ddec)
	return BulkStats{
		MedianDRAArcsec:     medRA,
		MADDRAArcsec:        medianAbsDeviation(dra, medRA),
		MedianDDecArcsec:    medDec,
		MADDDecArcsec:       medianAbsDeviation(ddec, medDec),
		FluxScaleCorrection: median(ratios),
		NFluxRatios:         len(ratios),
	}
}

// median returns the sample median: gonum's empirical quantile at p=0.5 for
// an odd count, the mean of the two middle values for an even count (the
// empirical quantile alone would return the lower one). Input need not be
// pre-sorted; a sorted copy is made since stat.Quantile requires ascending
// order.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if n := len(sorted); n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func medianAbsDeviation(xs []float64, center float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	deviations := make([]float64, len(xs))
	for i, x := range xs {
		deviations[i] = math.Abs(x - center)
	}
	return median(deviations)
}
