// Package variability detects transient and variable radio sources by
// comparing a detected-source list against a baseline reference catalog,
// and assigns alert severities to the resulting candidates.
package variability

import (
	"math"

	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/xmatch"
)

// Defaults mirror the thresholds the detector was calibrated against.
const (
	DefaultDetectionThresholdSigma  = 5.0
	DefaultVariabilityThresholdSigma = 3.0
	DefaultMatchRadiusArcsec        = 10.0
	DefaultBaselineFluxFloorMJy     = 10.0
	DefaultBaselineFractionalError  = 0.05
	BrighteningRatio                = 1.5
	FadingRatio                     = 0.67
	AlertThresholdSigma             = 7.0
	CriticalThresholdSigma          = 10.0
)

// ObservedSource is one flux measurement from the current epoch's detected
// source list.
type ObservedSource struct {
	RADeg      float64
	DecDeg     float64
	FluxMJy    float64
	FluxErrMJy float64
}

// BaselineSource is one reference-catalog source (e.g. NVSS).
type BaselineSource struct {
	RADeg   float64
	DecDeg  float64
	FluxMJy float64
}

// DetectionParams configures detect_transients-style matching.
type DetectionParams struct {
	DetectionThresholdSigma   float64
	VariabilityThresholdSigma float64
	MatchRadiusArcsec         float64
	BaselineCatalog           string
}

// DefaultDetectionParams returns the detector's calibrated defaults.
func DefaultDetectionParams(baselineCatalog string) DetectionParams {
	return DetectionParams{
		DetectionThresholdSigma:   DefaultDetectionThresholdSigma,
		VariabilityThresholdSigma: DefaultVariabilityThresholdSigma,
		MatchRadiusArcsec:         DefaultMatchRadiusArcsec,
		BaselineCatalog:           baselineCatalog,
	}
}

// observedToPoints and baselineToPoints adapt ObservedSource/BaselineSource
// into xmatch.Point so the
// nearest-neighbor join logic lives in one place.
func observedToPoints(observed []ObservedSource) []xmatch.Point {
	pts := make([]xmatch.Point, len(observed))
	for i, o := range observed {
		pts[i] = xmatch.Point{RADeg: o.RADeg, DecDeg: o.DecDeg, FluxJy: o.FluxMJy}
	}
	return pts
}

func baselineToPoints(baseline []BaselineSource) []xmatch.Point {
	pts := make([]xmatch.Point, len(baseline))
	for i, b := range baseline {
		pts[i] = xmatch.Point{RADeg: b.RADeg, DecDeg: b.DecDeg, FluxJy: b.FluxMJy}
	}
	return pts
}

// DetectTransients compares observed against baseline and classifies every
// observed source as new, variable (brightening/fading/variable), or
// leaves it unclassified when it matches baseline within tolerance.
// Baseline sources with no observed counterpart and flux above
// DefaultBaselineFluxFloorMJy are returned separately as fading-reference
// candidates.
func DetectTransients(observed []ObservedSource, baseline []BaselineSource, params DetectionParams) []model.TransientCandidate {
	var out []model.TransientCandidate

	obsPoints := observedToPoints(observed)
	basePoints := baselineToPoints(baseline)

	matched := make(map[int]bool)
	if len(baseline) > 0 {
		for _, m := range xmatch.NearestNeighborMatch(obsPoints, basePoints, params.MatchRadiusArcsec) {
			matched[m.DetectedIndex] = true
			obs := observed[m.DetectedIndex]
			base := baseline[m.CatalogIndex]

			fluxRatio := math.Inf(1)
			if base.FluxMJy > 0 {
				fluxRatio = obs.FluxMJy / base.FluxMJy
			}
			fluxDiff := obs.FluxMJy - base.FluxMJy
			errBaseline := base.FluxMJy * DefaultBaselineFractionalError
			errTotal := math.Sqrt(obs.FluxErrMJy*obs.FluxErrMJy + errBaseline*errBaseline)
			if errTotal <= 0 {
				continue
			}
			sigma := math.Abs(fluxDiff) / errTotal
			if sigma < params.VariabilityThresholdSigma {
				continue
			}

			detType := model.DetectionVariable
			switch {
			case fluxRatio > BrighteningRatio:
				detType = model.DetectionBrightening
			case fluxRatio < FadingRatio:
				detType = model.DetectionFading
			}

			out = append(out, model.TransientCandidate{
				SourceName:        sourceName(obs.RADeg, obs.DecDeg),
				RADeg:             obs.RADeg,
				DecDeg:            obs.DecDeg,
				DetectionType:     detType,
				FluxObsMJy:        obs.FluxMJy,
				FluxBaselineMJy:   base.FluxMJy,
				FluxRatio:         fluxRatio,
				SignificanceSigma: sigma,
				BaselineCatalog:   params.BaselineCatalog,
				VariabilityIndex:  variabilityIndex(obs.FluxMJy, base.FluxMJy),
			})
		}
	}

	for i, obs := range observed {
		if matched[i] {
			continue
		}
		if obs.FluxErrMJy <= 0 {
			continue
		}
		sigma := obs.FluxMJy / obs.FluxErrMJy
		if sigma < params.DetectionThresholdSigma {
			continue
		}
		out = append(out, model.TransientCandidate{
			SourceName:        sourceName(obs.RADeg, obs.DecDeg),
			RADeg:             obs.RADeg,
			DecDeg:            obs.DecDeg,
			DetectionType:     model.DetectionNew,
			FluxObsMJy:        obs.FluxMJy,
			SignificanceSigma: sigma,
			BaselineCatalog:   params.BaselineCatalog,
		})
	}

	out = append(out, fadingReferences(observed, baseline, obsPoints, basePoints, params)...)

	return out
}

// fadingReferences finds baseline sources with no observed counterpart
// within match radius and flux above the reporting floor.
func fadingReferences(observed []ObservedSource, baseline []BaselineSource, obsPoints, basePoints []xmatch.Point, params DetectionParams) []model.TransientCandidate {
	var out []model.TransientCandidate
	if len(observed) == 0 {
		for _, b := range baseline {
			if b.FluxMJy >= DefaultBaselineFluxFloorMJy {
				out = append(out, fadingCandidate(b, params.BaselineCatalog))
			}
		}
		return out
	}
	detectedBaseline := make(map[int]bool)
	for _, m := range xmatch.NearestNeighborMatch(basePoints, obsPoints, params.MatchRadiusArcsec) {
		detectedBaseline[m.DetectedIndex] = true
	}
	for i, b := range baseline {
		if detectedBaseline[i] {
			continue
		}
		if b.FluxMJy >= DefaultBaselineFluxFloorMJy {
			out = append(out, fadingCandidate(b, params.BaselineCatalog))
		}
	}
	return out
}

func fadingCandidate(b BaselineSource, catalog string) model.TransientCandidate {
	errBaseline := b.FluxMJy * DefaultBaselineFractionalError
	sigma := 0.0
	if errBaseline > 0 {
		sigma = b.FluxMJy / errBaseline
	}
	return model.TransientCandidate{
		SourceName:        sourceName(b.RADeg, b.DecDeg),
		RADeg:             b.RADeg,
		DecDeg:            b.DecDeg,
		DetectionType:     model.DetectionFading,
		FluxObsMJy:        0.0,
		FluxBaselineMJy:   b.FluxMJy,
		FluxRatio:         0.0,
		SignificanceSigma: sigma,
		BaselineCatalog:   catalog,
	}
}

func variabilityIndex(fluxObs, fluxBaseline float64) float64 {
	if fluxObs <= 0 || fluxBaseline <= 0 {
		return 0
	}
	return math.Abs(math.Log10(fluxObs / fluxBaseline))
}

func sourceName(raDeg, decDeg float64) string {
	sign := "+"
	d := decDeg
	if d < 0 {
		sign = "-"
		d = -d
	}
	return "DSA_TRANSIENT_J" + formatCoord(raDeg) + sign + formatCoord(d)
}

// formatCoord renders a coordinate to 4 decimal places without the stdlib
// fmt package's float formatting quirks mattering for this identifier use.
func formatCoord(v float64) string {
	scaled := int64(math.Round(v * 10000))
	neg := scaled < 0
	if neg {
		scaled = -scaled
	}
	whole := scaled / 10000
	frac := scaled % 10000
	digits := func(n int64, width int) string {
		s := make([]byte, width)
		for i := width - 1; i >= 0; i-- {
			s[i] = byte('0' + n%10)
			n /= 10
		}
		return string(s)
	}
	out := digits(whole, 3) + digits(frac, 4)
	if neg {
		return "-" + out
	}
	return out
}

// AssignAlertLevel implements the alert-severity rules: CRITICAL for a new
// source at >=10 sigma, HIGH for any of new/brightening/fading at >=7 sigma,
// MEDIUM for 5<=sigma<7 and for a variable candidate at >=7 sigma. Returns
// ok=false when no alert is warranted.
func AssignAlertLevel(c model.TransientCandidate) (level model.AlertLevel, ok bool) {
	switch {
	case c.SignificanceSigma >= CriticalThresholdSigma && c.DetectionType == model.DetectionNew:
		return model.AlertCritical, true
	case c.SignificanceSigma >= AlertThresholdSigma:
		switch c.DetectionType {
		case model.DetectionNew, model.DetectionBrightening, model.DetectionFading:
			return model.AlertHigh, true
		default:
			return model.AlertMedium, true
		}
	case c.SignificanceSigma >= DefaultDetectionThresholdSigma:
		return model.AlertMedium, true
	default:
		return "", false
	}
}
