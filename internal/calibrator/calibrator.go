// Package calibrator implements the calibrator registry and the
// auto-acquisition decision procedure triggered on a declination change.
package calibrator

import (
	"fmt"
	"math"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/sidereal"
)

// DefaultDecTriggerThresholdDeg is the minimum declination change that
// fires a re-acquisition decision.
const DefaultDecTriggerThresholdDeg = 0.1

// AcquisitionToleranceDeg is the window around d_new a covering
// registration or registry source is searched within.
const AcquisitionToleranceDeg = 2.5

// TransitFloorDays is the minimum span of transit precomputation regardless
// of how little data is currently on disk.
const TransitFloorDays = 60

// CatalogLookup is implemented by external calibrator catalog sources (VLA
// calibrator list, NVSS), treated as external collaborators per spec.md
// §4.C: this package never parses catalog files itself.
type CatalogLookup interface {
	// BrightestWithinTolerance returns the brightest source within
	// toleranceDeg of decDeg, or ok=false if none is cataloged there.
	BrightestWithinTolerance(decDeg, toleranceDeg float64) (model.CalibratorSource, bool, error)
}

// Registry implements the decision procedure on top of RegistryStore,
// falling back to VLA then NVSS catalogs when the pre-built registry has no
// covering source.
type Registry struct {
	store       *db.RegistryStore
	vla         CatalogLookup
	nvss        CatalogLookup
	transitClock sidereal.TransitClock
}

// NewRegistry returns a Registry. vla/nvss may be nil if no catalog
// fallback is configured, in which case those steps are skipped.
func NewRegistry(store *db.RegistryStore, vla, nvss CatalogLookup, transitClock sidereal.TransitClock) *Registry {
	return &Registry{store: store, vla: vla, nvss: nvss, transitClock: transitClock}
}

// AcquisitionResult is the outcome of the decision procedure.
type AcquisitionResult struct {
	Source model.CalibratorSource
	Found  bool
	// Provenance records which step of the decision procedure supplied the
	// source: "registration", "registry", "vla", "nvss", or "" if not found.
	Provenance string
}

// Acquire runs the decision procedure for a declination change to decNewDeg,
// binding a calibrator and precomputing its transits over the given disk
// span (widened to TransitFloorDays if narrower).
func (r *Registry) Acquire(decNewDeg float64, diskSpanStart, diskSpanEnd time.Time, now time.Time) (AcquisitionResult, error) {
	// Step 1: a registered calibrator whose range covers d_new ± tolerance.
	if reg, err := r.store.FindRegistrationCovering(decNewDeg); err != nil {
		return AcquisitionResult{}, fmt.Errorf("find registration: %w", err)
	} else if reg != nil && reg.Covers(decNewDeg-AcquisitionToleranceDeg) && reg.Covers(decNewDeg+AcquisitionToleranceDeg) {
		if src, err := r.store.BestSourceInStrip(DecStrip(decNewDeg), decNewDeg, AcquisitionToleranceDeg); err == nil && src != nil {
			return r.bind(src, "registration", diskSpanStart, diskSpanEnd, now)
		}
		src2 := model.CalibratorSource{SourceName: reg.CalibratorName, RADeg: reg.RADeg, DecDeg: reg.DecDeg}
		return r.bind(&src2, "registration", diskSpanStart, diskSpanEnd, now)
	}

	// Step 2: pre-built CalibratorSource registry, then VLA catalog.
	if src, err := r.store.BestSourceInStrip(DecStrip(decNewDeg), decNewDeg, AcquisitionToleranceDeg); err != nil {
		return AcquisitionResult{}, fmt.Errorf("best source in strip: %w", err)
	} else if src != nil {
		return r.bind(src, "registry", diskSpanStart, diskSpanEnd, now)
	}
	if r.vla != nil {
		if src, ok, err := r.vla.BrightestWithinTolerance(decNewDeg, AcquisitionToleranceDeg); err != nil {
			return AcquisitionResult{}, fmt.Errorf("vla lookup: %w", err)
		} else if ok {
			return r.bind(&src, "vla", diskSpanStart, diskSpanEnd, now)
		}
	}

	// Step 3: NVSS fallback.
	if r.nvss != nil {
		if src, ok, err := r.nvss.BrightestWithinTolerance(decNewDeg, AcquisitionToleranceDeg); err != nil {
			return AcquisitionResult{}, fmt.Errorf("nvss lookup: %w", err)
		} else if ok {
			return r.bind(&src, "nvss", diskSpanStart, diskSpanEnd, now)
		}
	}

	// Step 4: no calibrator found.
	logging.Logf(logging.Msg("calibrator: no calibrator found", logging.F("dec_deg", decNewDeg)))
	return AcquisitionResult{}, nil
}

func (r *Registry) bind(src *model.CalibratorSource, provenance string, diskSpanStart, diskSpanEnd time.Time, now time.Time) (AcquisitionResult, error) {
	if err := r.store.UpsertSource(*src); err != nil {
		return AcquisitionResult{}, fmt.Errorf("upsert source %s: %w", src.SourceName, err)
	}
	if err := r.store.RecordUse(src.SourceName, now); err != nil {
		return AcquisitionResult{}, fmt.Errorf("record use of %s: %w", src.SourceName, err)
	}
	if r.transitClock != nil {
		if err := r.precomputeTransits(*src, diskSpanStart, diskSpanEnd); err != nil {
			return AcquisitionResult{}, fmt.Errorf("precompute transits for %s: %w", src.SourceName, err)
		}
	}
	return AcquisitionResult{Source: *src, Found: true, Provenance: provenance}, nil
}

// precomputeTransits stores transit times for src over [start, end],
// widened so the span is at least TransitFloorDays.
func (r *Registry) precomputeTransits(src model.CalibratorSource, start, end time.Time) error {
	if end.Sub(start) < TransitFloorDays*24*time.Hour {
		end = start.Add(TransitFloorDays * 24 * time.Hour)
	}
	for _, td := range sidereal.TransitDatesInRange(r.transitClock, src.RADeg, start, end) {
		if err := r.store.RecordTransit(src.SourceName, td.Date, td.TransitUTC); err != nil {
			return err
		}
	}
	return nil
}

// ShouldTrigger reports whether a declination change from dOld to dNew
// exceeds thresholdDeg, per spec.md §4.C's trigger condition. thresholdDeg
// <= 0 uses DefaultDecTriggerThresholdDeg.
func ShouldTrigger(dOld, dNew, thresholdDeg float64) bool {
	if thresholdDeg <= 0 {
		thresholdDeg = DefaultDecTriggerThresholdDeg
	}
	return math.Abs(dNew-dOld) > thresholdDeg
}

// IsKnownCalibrator reports whether (raDeg, decDeg) lands within
// toleranceDeg of a registered calibrator source in its declination strip,
// the check the conversion stage uses to set is_calibrator on a freshly
// converted MS per spec.md §4.E.
func (r *Registry) IsKnownCalibrator(raDeg, decDeg, toleranceDeg float64) (bool, string, error) {
	src, err := r.store.BestSourceInStrip(DecStrip(decDeg), decDeg, toleranceDeg)
	if err != nil {
		return false, "", fmt.Errorf("best source in strip: %w", err)
	}
	if src == nil {
		return false, "", nil
	}
	if angularSeparationDeg(raDeg, decDeg, src.RADeg, src.DecDeg) > toleranceDeg {
		return false, "", nil
	}
	return true, src.SourceName, nil
}

// angularSeparationDeg is a small-angle approximation adequate for the
// few-degree tolerances used to match a pointing to a calibrator strip.
func angularSeparationDeg(ra1, dec1, ra2, dec2 float64) float64 {
	dDec := dec1 - dec2
	dRA := (ra1 - ra2) * math.Cos(dec1*math.Pi/180.0)
	return math.Hypot(dRA, dDec)
}

// DecStrip names the one-degree declination strip decDeg falls in, the key
// calibration tables and registry sources are partitioned by.
func DecStrip(decDeg float64) string {
	return fmt.Sprintf("strip-%d", int(math.Round(decDeg)))
}

// QualityScore computes the 0-100 registry tie-break score.
//
// fluxJy: observed flux at 1400 MHz.
// spectralIndex: nil if unknown.
// compactness: nil if unknown, else in [0,1].
func QualityScore(fluxJy float64, spectralIndex, compactness *float64) float64 {
	return fluxScore(fluxJy) + spectralScore(spectralIndex) + compactnessScore(compactness)
}

func fluxScore(fluxJy float64) float64 {
	switch {
	case fluxJy >= 10.0:
		return 40.0
	case fluxJy >= 0.5:
		// Linear from (0.5, 20) to (10, 40).
		return 20.0 + (fluxJy-0.5)/(10.0-0.5)*20.0
	case fluxJy > 0:
		// Linear from (0, 0) to (0.5, 20).
		return fluxJy / 0.5 * 20.0
	default:
		return 0.0
	}
}

func spectralScore(alpha *float64) float64 {
	if alpha == nil {
		return 15.0
	}
	a := math.Abs(*alpha)
	switch {
	case a < 0.2:
		return 30.0
	case a <= 0.5:
		// Linear from (0.2, 30) to (0.5, 20).
		return 30.0 - (a-0.2)/(0.5-0.2)*10.0
	default:
		// Exponential decay from 20 at a=0.5.
		return 20.0 * math.Exp(-(a - 0.5))
	}
}

func compactnessScore(c *float64) float64 {
	if c == nil {
		return 15.0
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v * 30.0
}
