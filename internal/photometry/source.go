// Package photometry aggregates per-source flux measurements into
// lightcurves and derives variability statistics from them.
package photometry

import (
	"math"

	"github.com/dsa110/contimg/internal/model"
	"gonum.org/v1/gonum/stat"
)

// DetectionSNRThreshold is the minimum signal-to-noise ratio a measurement
// must have to count as a detection.
const DetectionSNRThreshold = 5.0

// Source aggregates all photometry measurements recorded for one catalog
// source across epochs.
type Source struct {
	SourceID     string
	Measurements []model.PhotometryMeasurement
}

// NewSource loads a Source from its measurement history. Measurements is
// expected pre-sorted by MJD, the order ProductsStore.MeasurementsForSource
// already returns.
func NewSource(sourceID string, measurements []model.PhotometryMeasurement) *Source {
	return &Source{SourceID: sourceID, Measurements: measurements}
}

// NEpochs is the number of epochs with a recorded measurement.
func (s *Source) NEpochs() int { return len(s.Measurements) }

// Detections counts measurements whose flux exceeds DetectionSNRThreshold
// times its error, the normalized-flux SNR>5 proxy used in place of a
// dedicated per-pixel SNR column.
func (s *Source) Detections() int {
	n := 0
	for _, m := range s.Measurements {
		if m.NormalizedFluxErrJy > 0 && m.NormalizedFluxJy > DetectionSNRThreshold*m.NormalizedFluxErrJy {
			n++
		}
	}
	return n
}

// Metrics holds the derived variability statistics for a source.
type Metrics struct {
	NEpochs int
	V       float64
	Eta     float64
	VsMean  float64
	MMean   float64
	Valid   bool
}

// validMeasurement filters out non-finite flux/error values and non-positive
// errors before any statistic is computed over them.
func validMeasurement(m model.PhotometryMeasurement) bool {
	return !math.IsNaN(m.NormalizedFluxJy) && !math.IsInf(m.NormalizedFluxJy, 0) &&
		!math.IsNaN(m.NormalizedFluxErrJy) && !math.IsInf(m.NormalizedFluxErrJy, 0) &&
		m.NormalizedFluxErrJy > 0
}

// CalcVariabilityMetrics computes V (coefficient of variation), eta
// (inverse-variance-weighted variance), and the mean of the pairwise
// two-epoch t-statistic (Vs) and modulation index (M) taken over
// consecutive epochs. Fewer than two valid measurements yields an invalid
// Metrics with only NEpochs set.
func (s *Source) CalcVariabilityMetrics() Metrics {
	valid := make([]model.PhotometryMeasurement, 0, len(s.Measurements))
	for _, m := range s.Measurements {
		if validMeasurement(m) {
			valid = append(valid, m)
		}
	}
	if len(valid) < 2 {
		return Metrics{NEpochs: len(s.Measurements)}
	}

	flux := make([]float64, len(valid))
	weights := make([]float64, len(valid))
	for i, m := range valid {
		flux[i] = m.NormalizedFluxJy
		weights[i] = 1.0 / (m.NormalizedFluxErrJy * m.NormalizedFluxErrJy)
	}

	mean := stat.Mean(flux, nil)
	v := 0.0
	if mean > 0 {
		v = stat.StdDev(flux, nil) / mean
	}
	eta := stat.Variance(flux, weights)

	var vsValues, mValues []float64
	for i := 0; i < len(valid)-1; i++ {
		a, b := valid[i], valid[i+1]
		denom := math.Sqrt(a.NormalizedFluxErrJy*a.NormalizedFluxErrJy + b.NormalizedFluxErrJy*b.NormalizedFluxErrJy)
		if denom > 0 {
			vsValues = append(vsValues, (b.NormalizedFluxJy-a.NormalizedFluxJy)/denom)
		}
		if sum := a.NormalizedFluxJy + b.NormalizedFluxJy; sum != 0 {
			mValues = append(mValues, 2*(b.NormalizedFluxJy-a.NormalizedFluxJy)/sum)
		}
	}

	return Metrics{
		NEpochs: len(s.Measurements),
		V:       v,
		Eta:     eta,
		VsMean:  meanOf(vsValues),
		MMean:   meanOf(mValues),
		Valid:   true,
	}
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
