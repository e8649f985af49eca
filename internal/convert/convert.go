// Package convert implements the conversion stage: sixteen UVH5 shards of
// one observation become a single Measurement Set, with the resulting MS
// validated against the instrument's expected invariants before it is
// handed to calibration.
package convert

import (
	"fmt"
	"math"
	"os"

	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
)

// AntennaPositionToleranceMeters bounds how far a converted MS's antenna
// positions may drift from the reference ITRF coordinates.
const AntennaPositionToleranceMeters = 0.05

// MinNonZeroUVWFraction is the minimum fraction of rows whose UVW must be
// non-zero for the conversion to be considered sane.
const MinNonZeroUVWFraction = 0.9

// TranscodeResult is what the external UVH5->MS transcoder (CASA/pyuvdata in
// production) reports about the MS it produced. convert never performs the
// transcoding itself; it only validates this report's invariants.
type TranscodeResult struct {
	MSPath                 string
	ChannelFreqsHz         []float64
	AntennaPositionsITRF   [][3]float64
	ReferencePositionsITRF [][3]float64
	UVW                    [][3]float64
	ModelDataRequested     bool
	ModelDataMaxAmplitude  float64
	PointingRADeg          float64
	PointingDecDeg         float64
	MidpointMJD            float64
}

// Transcoder is the external collaborator that performs the actual
// UVH5->MS transcoding. Its expected behavior (ascending channel
// frequencies, antenna positions within tolerance, mostly non-zero UVW, a
// populated MODEL_DATA when requested) is verified by ValidatePreconditions
// rather than trusted blindly.
type Transcoder interface {
	Transcode(shardPaths []string, outputDir, scratchDir string, writer model.WriterKind, limits model.ResourceLimits) (TranscodeResult, error)
}

// CalibratorChecker answers whether a pointing matches a registered
// calibrator within tolerance, used to set is_calibrator on the converted MS.
type CalibratorChecker interface {
	IsKnownCalibrator(raDeg, decDeg, toleranceDeg float64) (bool, string, error)
}

// IsCalibratorToleranceDeg is the angular tolerance used to decide a
// conversion's pointing matches a registered calibrator.
const IsCalibratorToleranceDeg = 0.5

// Stage implements the conversion stage.
type Stage struct {
	Transcoder  Transcoder
	Calibrators CalibratorChecker
}

// NewStage returns a conversion Stage.
func NewStage(t Transcoder, calibrators CalibratorChecker) *Stage {
	return &Stage{Transcoder: t, Calibrators: calibrators}
}

func (s *Stage) Name() string { return "conversion" }

// Validate checks the task's shard paths exist and the output directory is
// writable before the (expensive) transcode is attempted.
func (s *Stage) Validate(ctx *model.PipelineContext) (bool, string) {
	shardPaths, _ := ctx.Inputs["shard_paths"].([]string)
	if len(shardPaths) == 0 {
		return false, "no shard paths supplied"
	}
	outputDir, _ := ctx.Inputs["output_dir"].(string)
	if outputDir == "" {
		return false, "no output directory supplied"
	}
	for _, p := range shardPaths {
		if _, err := os.Stat(p); err != nil {
			return false, fmt.Sprintf("shard unreadable: %s: %v", p, err)
		}
	}
	if err := checkWritable(outputDir); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Execute transcodes the shards, validates the resulting MS's preconditions,
// determines is_calibrator, and populates ctx.Outputs.
func (s *Stage) Execute(ctx *model.PipelineContext) (*model.PipelineContext, error) {
	shardPaths := ctx.Inputs["shard_paths"].([]string)
	outputDir := ctx.Inputs["output_dir"].(string)
	scratchDir, _ := ctx.Inputs["scratch_dir"].(string)
	writer, _ := ctx.Inputs["writer"].(model.WriterKind)
	if writer == "" {
		writer = model.WriterAuto
	}
	limits, _ := ctx.Inputs["resource_limits"].(model.ResourceLimits)

	result, err := s.Transcoder.Transcode(shardPaths, outputDir, scratchDir, writer, limits)
	if err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}
	if result.MSPath == "" {
		return nil, pipelineerr.New(pipelineerr.ConversionErr, s.Name(), ctx.JobID, "transcoder produced no MS path")
	}

	if err := ValidatePreconditions(result); err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}

	isCalibrator := false
	calibratorName := ""
	if s.Calibrators != nil {
		if ok, name, err := s.Calibrators.IsKnownCalibrator(result.PointingRADeg, result.PointingDecDeg, IsCalibratorToleranceDeg); err == nil {
			isCalibrator, calibratorName = ok, name
		}
	}

	ctx.Outputs["ms_path"] = result.MSPath
	ctx.Outputs["dec_deg"] = result.PointingDecDeg
	ctx.Outputs["ra_deg"] = result.PointingRADeg
	ctx.Outputs["mid_mjd"] = result.MidpointMJD
	ctx.Outputs["is_calibrator"] = isCalibrator
	ctx.Outputs["calibrator_name"] = calibratorName
	return ctx, nil
}

// ValidatePreconditions checks the transcoded MS against the invariants
// spec.md §4.E expects the external transcoder to have produced: ascending
// channel frequencies, antenna positions within tolerance of the reference
// ITRF coordinates, mostly non-zero UVW, and (if a model was requested) a
// non-zero-amplitude MODEL_DATA.
func ValidatePreconditions(r TranscodeResult) error {
	if !AscendingFrequencies(r.ChannelFreqsHz) {
		return pipelineerr.New(pipelineerr.ConversionErr, "", "", "channel frequencies are not strictly ascending")
	}
	if err := AntennaPositionsWithinTolerance(r.AntennaPositionsITRF, r.ReferencePositionsITRF, AntennaPositionToleranceMeters); err != nil {
		return pipelineerr.New(pipelineerr.ConversionErr, "", "", err.Error())
	}
	if !UVWMostlyNonZero(r.UVW, MinNonZeroUVWFraction) {
		return pipelineerr.New(pipelineerr.ConversionErr, "", "", "fewer than the required fraction of rows have non-zero UVW")
	}
	if r.ModelDataRequested && r.ModelDataMaxAmplitude <= 0 {
		return pipelineerr.New(pipelineerr.ConversionErr, "", "", "MODEL_DATA was requested but is all-zero")
	}
	return nil
}

// AscendingFrequencies reports whether freqs is strictly increasing, the
// spectral-window channel ordering every downstream MS consumer assumes.
func AscendingFrequencies(freqs []float64) bool {
	for i := 1; i < len(freqs); i++ {
		if freqs[i] <= freqs[i-1] {
			return false
		}
	}
	return len(freqs) > 0
}

// AntennaPositionsWithinTolerance checks every antenna position is within
// toleranceMeters of its reference ITRF coordinate.
func AntennaPositionsWithinTolerance(actual, reference [][3]float64, toleranceMeters float64) error {
	if len(actual) != len(reference) {
		return fmt.Errorf("antenna position count mismatch: got %d, want %d", len(actual), len(reference))
	}
	for i := range actual {
		d := distance3(actual[i], reference[i])
		if d > toleranceMeters {
			return fmt.Errorf("antenna %d position drift %.4fm exceeds tolerance %.4fm", i, d, toleranceMeters)
		}
	}
	return nil
}

func distance3(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// UVWMostlyNonZero reports whether at least minFraction of rows have a
// non-zero UVW vector.
func UVWMostlyNonZero(uvw [][3]float64, minFraction float64) bool {
	if len(uvw) == 0 {
		return false
	}
	nonZero := 0
	for _, v := range uvw {
		if v[0] != 0 || v[1] != 0 || v[2] != 0 {
			nonZero++
		}
	}
	return float64(nonZero)/float64(len(uvw)) >= minFraction
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pipelineerr.New(pipelineerr.IOError, "", "", fmt.Sprintf("output directory %s: %v", dir, err))
	}
	probe, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return pipelineerr.New(pipelineerr.IOError, "", "", fmt.Sprintf("output directory %s not writable: %v", dir, err))
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}
