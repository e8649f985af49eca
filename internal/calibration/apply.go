package calibration

import (
	"time"

	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
)

// DefaultValidityWindow is how far from the science MS's midtime a
// calibration table may be and still be considered a candidate.
const DefaultValidityWindow = 12 * time.Hour

// CandidateTable is one calibration table available for application,
// together with the metadata needed to select and interpolate it.
type CandidateTable struct {
	Path     string
	Type     string
	DecStrip string
	SolvedAt time.Time
}

// TableCatalog finds calibration tables recorded for a declination strip,
// the registry lookup CalibrationApply's table-selection step delegates to.
type TableCatalog interface {
	CandidateTables(decStrip string) ([]CandidateTable, error)
}

// Interpolator produces an interpolated table from two bracketing
// solutions; the interpolation math itself (time-weighted average of gain
// phases/amplitudes) is delegated to the calibration helper, an external
// collaborator per spec.md §4.F.2 step 2.
type Interpolator interface {
	Interpolate(earlier, later CandidateTable, atMJD float64) (tablePath string, err error)
}

// Applier invokes the calibration applier (CASA applycal) against an MS
// with a gaintable list and matching interp modes.
type Applier interface {
	Apply(msPath string, gaintables []string, interp []string) error
}

// ApplyStage implements the calibration_apply stage.
type ApplyStage struct {
	Catalog        TableCatalog
	Interpolator   Interpolator
	Applier        Applier
	ValidityWindow time.Duration
	Interpolation  bool
}

// NewApplyStage returns an ApplyStage with the default 12h validity window
// and interpolation enabled.
func NewApplyStage(catalog TableCatalog, interpolator Interpolator, applier Applier) *ApplyStage {
	return &ApplyStage{
		Catalog:        catalog,
		Interpolator:   interpolator,
		Applier:        applier,
		ValidityWindow: DefaultValidityWindow,
		Interpolation:  true,
	}
}

func (s *ApplyStage) Name() string { return "calibration_apply" }

func (s *ApplyStage) Validate(ctx *model.PipelineContext) (bool, string) {
	if _, ok := ctx.Inputs["ms_path"].(string); !ok {
		return false, "no ms_path supplied"
	}
	if _, ok := ctx.Inputs["dec_strip"].(string); !ok {
		return false, "no dec_strip supplied"
	}
	if _, ok := ctx.Inputs["mid_mjd"].(float64); !ok {
		return false, "no mid_mjd supplied"
	}
	return true, ""
}

// Execute selects and applies calibration tables. For a calibrator MS a
// missing table is fatal; for a science MS it is not — imaging proceeds on
// uncorrected DATA with cal_applied=0 and the MS flagged for review.
func (s *ApplyStage) Execute(ctx *model.PipelineContext) (*model.PipelineContext, error) {
	msPath := ctx.Inputs["ms_path"].(string)
	decStrip := ctx.Inputs["dec_strip"].(string)
	midMJD := ctx.Inputs["mid_mjd"].(float64)
	isCalibrator, _ := ctx.Inputs["is_calibrator"].(bool)

	candidates, err := s.Catalog.CandidateTables(decStrip)
	if err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}

	selected := s.selectWithinWindow(candidates, midMJD)
	if len(selected) == 0 {
		if isCalibrator {
			return nil, pipelineerr.New(pipelineerr.CalibrationErr, s.Name(), ctx.JobID, "no calibration tables within validity window for calibrator ms")
		}
		ctx.Outputs["cal_applied"] = false
		ctx.Outputs["needs_review"] = true
		return ctx, nil
	}

	gaintables := make([]string, 0, len(selected))
	interp := make([]string, 0, len(selected))
	for _, t := range selected {
		gaintables = append(gaintables, t.Path)
		interp = append(interp, interpModeFor(t.Type))
	}

	if err := s.Applier.Apply(msPath, gaintables, interp); err != nil {
		if isCalibrator {
			return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
		}
		ctx.Outputs["cal_applied"] = false
		ctx.Outputs["needs_review"] = true
		return ctx, nil
	}

	ctx.Outputs["cal_applied"] = true
	ctx.Outputs["calibration_tables"] = gaintables
	return ctx, nil
}

// selectWithinWindow picks, for each table type, either the single nearest
// solution within ValidityWindow or an interpolated table between the two
// bracketing solutions, when Interpolation is enabled and both exist.
func (s *ApplyStage) selectWithinWindow(candidates []CandidateTable, midMJD float64) []CandidateTable {
	byType := make(map[string][]CandidateTable)
	for _, c := range candidates {
		if absFloat(mjdDistanceHours(c.SolvedAt, midMJD)) > s.ValidityWindow.Hours() {
			continue
		}
		byType[c.Type] = append(byType[c.Type], c)
	}

	var out []CandidateTable
	for _, group := range byType {
		earlier, later, ok := bracket(group, midMJD)
		if ok && s.Interpolation && s.Interpolator != nil {
			if path, err := s.Interpolator.Interpolate(earlier, later, midMJD); err == nil {
				out = append(out, CandidateTable{Path: path, Type: earlier.Type})
				continue
			}
		}
		out = append(out, nearest(group, midMJD))
	}
	return out
}

func mjdDistanceHours(solvedAt time.Time, midMJD float64) float64 {
	solvedMJD := float64(solvedAt.Unix())/86400.0 + 40587.0
	return (solvedMJD - midMJD) * 24.0
}

func bracket(group []CandidateTable, midMJD float64) (earlier, later CandidateTable, ok bool) {
	var before, after []CandidateTable
	for _, c := range group {
		d := mjdDistanceHours(c.SolvedAt, midMJD)
		if d <= 0 {
			before = append(before, c)
		} else {
			after = append(after, c)
		}
	}
	if len(before) == 0 || len(after) == 0 {
		return CandidateTable{}, CandidateTable{}, false
	}
	return nearest(before, midMJD), nearest(after, midMJD), true
}

func nearest(group []CandidateTable, midMJD float64) CandidateTable {
	best := group[0]
	bestDist := absFloat(mjdDistanceHours(best.SolvedAt, midMJD))
	for _, c := range group[1:] {
		if d := absFloat(mjdDistanceHours(c.SolvedAt, midMJD)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func interpModeFor(tableType string) string {
	switch tableType {
	case "B":
		return "linear"
	default:
		return "nearest"
	}
}
