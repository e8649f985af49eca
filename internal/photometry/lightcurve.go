package photometry

// BaselineEpochCount is how many of a source's earliest epochs form the
// pre-variability baseline window.
const BaselineEpochCount = 10

// ESEWindowMinDays and ESEWindowMaxDays bound the duration an episode of
// sustained dimming/brightening must span to be considered an extreme
// scattering event (ESE) candidate rather than noise or a single bad epoch.
const (
	ESEWindowMinDays = 14.0
	ESEWindowMaxDays = 180.0
)

// LightcurvePlotSpec describes the regions a lightcurve plot should
// highlight. Rendering itself is out of scope; this type exists so a future
// plotting frontend has one place to read the shading rules from, matching
// what the source lightcurve view highlights: the baseline window, the
// baseline's median flux as a reference line, and any ESE-candidate span.
type LightcurvePlotSpec struct {
	BaselineEpochs    int
	BaselineMedianJy  float64
	ESECandidateStart float64 // MJD, zero if none
	ESECandidateEnd   float64 // MJD, zero if none
}

// BuildLightcurvePlotSpec computes the baseline median from the first
// BaselineEpochCount epochs (or all of them, if fewer) and carries through
// an already-identified ESE candidate span, if any.
func BuildLightcurvePlotSpec(s *Source, eseStartMJD, eseEndMJD float64) LightcurvePlotSpec {
	n := BaselineEpochCount
	if n > len(s.Measurements) {
		n = len(s.Measurements)
	}
	flux := make([]float64, n)
	for i := 0; i < n; i++ {
		flux[i] = s.Measurements[i].NormalizedFluxJy
	}
	return LightcurvePlotSpec{
		BaselineEpochs:    n,
		BaselineMedianJy:  medianFlux(flux),
		ESECandidateStart: eseStartMJD,
		ESECandidateEnd:   eseEndMJD,
	}
}

// SpansESEWindow reports whether a candidate interval's duration falls
// within [ESEWindowMinDays, ESEWindowMaxDays].
func SpansESEWindow(startMJD, endMJD float64) bool {
	span := endMJD - startMJD
	return span >= ESEWindowMinDays && span <= ESEWindowMaxDays
}

func medianFlux(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	// small n (<=10): insertion sort avoids pulling in sort for one call site.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
