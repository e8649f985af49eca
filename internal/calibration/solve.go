// Package calibration implements the CalibrationSolve and CalibrationApply
// stages: turning a phased calibrator scan into an optional pre-bandpass
// phase table, a bandpass table and a gain table (no separate delay table is
// solved), and applying the best available tables to a science MS. The numeric
// solvers themselves (CASA's gaincal/bandpass/applycal, or an AOFlagger
// invocation) are external collaborators injected as interfaces; this
// package is the orchestration and QA logic around them.
package calibration

import (
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
)

// DefaultBandpassMinSNR is the default minimum SNR for a bandpass solution
// to be accepted.
const DefaultBandpassMinSNR = 3.0

// DefaultGainMinSNR is the default minimum SNR for a gain solution.
const DefaultGainMinSNR = 3.0

// DefaultGainSolintSeconds is the default gain-solve solution interval.
const DefaultGainSolintSeconds = 60.0

// WarnFlaggedFraction is the per-table flagged-solution fraction above
// which CalibrationSolve warns but still accepts the table.
const WarnFlaggedFraction = 0.5

// Flagger excises autocorrelations and RFI ahead of a calibration solve.
// AOFlagger is preferred; a CASA tfcrop+rflag chain is an acceptable
// fallback implementation.
type Flagger interface {
	FlagAutocorrelationsAndRFI(msPath string) error
}

// Phaseshifter rephases an MS so a given RA/Dec sits at the phase center,
// returning the path to the rephased, single-field MS.
type Phaseshifter interface {
	Phaseshift(msPath string, center PhaseCenter) (shiftedMSPath string, err error)
}

// ModelPopulator places a calibrator's flux at the phase center as
// MODEL_DATA and reports the resulting maximum amplitude so the caller can
// validate the model is non-trivial.
type ModelPopulator interface {
	PopulateModel(msPath string, calibratorFluxJy float64) (maxAmplitudeJy float64, err error)
}

// Solver performs the numeric calibration solves. Each method returns the
// path to the produced calibration table.
type Solver interface {
	SolvePreBandpassPhase(msPath string, refants []int) (tablePath string, err error)
	SolveBandpass(msPath string, refants []int, gaintables []string, minSNR float64) (tablePath string, err error)
	SolveGain(msPath string, refants []int, gaintables []string, solintSeconds, minSNR float64) (tablePath string, err error)
}

// TableInspector reports QA statistics for a produced calibration table.
type TableInspector interface {
	FlaggedFraction(tablePath string) (float64, error)
	MinSNRAchieved(tablePath string) (float64, error)
	PerAntennaFlaggedFraction(tablePath string) ([]AntennaHealth, error)
}

// Table is one produced calibration table with its CASA-conventional type
// suffix (G0 for the pre-bandpass phase table, B for bandpass, G for gain).
type Table struct {
	Path string
	Type string
}

// SolveStage implements the calibration_solve stage.
type SolveStage struct {
	Flagger           Flagger
	Phaseshifter      Phaseshifter
	ModelPopulator    ModelPopulator
	Solver            Solver
	Inspector         TableInspector
	Products          *db.ProductsStore
	UsePreBandpassPhase bool
	Now               func() time.Time
}

// NewSolveStage returns a SolveStage wired to its external collaborators.
func NewSolveStage(flagger Flagger, phaseshifter Phaseshifter, populator ModelPopulator, solver Solver, inspector TableInspector, products *db.ProductsStore) *SolveStage {
	return &SolveStage{
		Flagger:             flagger,
		Phaseshifter:        phaseshifter,
		ModelPopulator:      populator,
		Solver:              solver,
		Inspector:           inspector,
		Products:            products,
		UsePreBandpassPhase: true,
		Now:                 time.Now,
	}
}

func (s *SolveStage) Name() string { return "calibration_solve" }

func (s *SolveStage) Validate(ctx *model.PipelineContext) (bool, string) {
	msPath, _ := ctx.Inputs["ms_path"].(string)
	if msPath == "" {
		return false, "no ms_path supplied"
	}
	isCalibrator, _ := ctx.Inputs["is_calibrator"].(bool)
	if !isCalibrator {
		return false, "ms is not a calibrator observation"
	}
	calibratorName, _ := ctx.Inputs["calibrator_name"].(string)
	if calibratorName == "" {
		return false, "no calibrator_name supplied for a calibrator ms"
	}
	return true, ""
}

// Execute runs the flag -> phaseshift -> model -> refant -> solve -> QA
// pipeline and populates ctx.Outputs["calibration_tables"].
func (s *SolveStage) Execute(ctx *model.PipelineContext) (*model.PipelineContext, error) {
	msPath := ctx.Inputs["ms_path"].(string)
	calibratorFluxJy, _ := ctx.Inputs["calibrator_flux_jy"].(float64)
	calibratorRADeg, _ := ctx.Inputs["calibrator_ra_deg"].(float64)
	calibratorDecDeg, _ := ctx.Inputs["calibrator_dec_deg"].(float64)

	if err := s.Flagger.FlagAutocorrelationsAndRFI(msPath); err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}

	center := ResolvePhaseCenter(PhaseshiftCalibrator, nil, nil, calibratorRADeg, calibratorDecDeg, PhaseCenter{})
	shiftedMS, err := s.Phaseshifter.Phaseshift(msPath, center)
	if err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}

	maxAmp, err := s.ModelPopulator.PopulateModel(shiftedMS, calibratorFluxJy)
	if err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}
	if maxAmp <= 0 {
		return nil, pipelineerr.New(pipelineerr.CalibrationErr, s.Name(), ctx.JobID, "MODEL_DATA has zero maximum amplitude")
	}

	refants := s.recommendRefants(ctx, msPath)

	var tables []Table
	var gaintables []string

	if s.UsePreBandpassPhase {
		phaseTable, err := s.Solver.SolvePreBandpassPhase(shiftedMS, refants)
		if err != nil {
			return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
		}
		tables = append(tables, Table{Path: phaseTable, Type: "G0"})
		gaintables = append(gaintables, phaseTable)
	}

	bpTable, err := s.Solver.SolveBandpass(shiftedMS, refants, gaintables, DefaultBandpassMinSNR)
	if err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}
	tables = append(tables, Table{Path: bpTable, Type: "B"})

	gainTable, err := s.Solver.SolveGain(shiftedMS, refants, append(gaintables, bpTable), DefaultGainSolintSeconds, DefaultGainMinSNR)
	if err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}
	tables = append(tables, Table{Path: gainTable, Type: "G"})

	if err := s.recordQA(ctx, tables); err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}

	paths := make([]string, len(tables))
	for i, t := range tables {
		paths[i] = t.Path
	}
	ctx.Outputs["calibration_tables"] = paths
	ctx.Outputs["shifted_ms_path"] = shiftedMS
	ctx.Outputs["refants"] = refants
	return ctx, nil
}

func (s *SolveStage) recommendRefants(ctx *model.PipelineContext, msPath string) []int {
	flagFractions, _ := ctx.Inputs["antenna_flag_fraction"].(map[string]float64)
	if len(flagFractions) == 0 && s.Products != nil {
		if rec, err := s.Products.GetMS(msPath); err == nil && rec != nil {
			flagFractions = rec.AntennaFlagFraction
		}
	}
	if len(flagFractions) == 0 {
		return RecommendRefants(nil)
	}
	health := make([]AntennaHealth, 0, len(flagFractions))
	for idStr, frac := range flagFractions {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		health = append(health, AntennaHealth{AntennaID: id, FlaggedFraction: frac})
	}
	return RecommendRefants(health)
}

// recordQA inspects each produced table, warns if its flagged fraction
// exceeds WarnFlaggedFraction, and fails the stage outright if any table is
// entirely flagged.
func (s *SolveStage) recordQA(ctx *model.PipelineContext, tables []Table) error {
	for _, t := range tables {
		flaggedFraction, err := s.Inspector.FlaggedFraction(t.Path)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", t.Path, err)
		}
		minSNR, err := s.Inspector.MinSNRAchieved(t.Path)
		if err != nil {
			return fmt.Errorf("inspect min snr %s: %w", t.Path, err)
		}

		verdict := "pass"
		switch {
		case flaggedFraction >= 1.0:
			verdict = "fail"
		case flaggedFraction > WarnFlaggedFraction:
			verdict = "warn"
			logging.Logf(logging.Msg("calibration: table heavily flagged",
				logging.F("table", t.Path), logging.F("table_type", t.Type), logging.F("flagged_fraction", flaggedFraction)))
		}

		if s.Products != nil {
			now := time.Now
			if s.Now != nil {
				now = s.Now
			}
			if err := s.Products.RecordCalibrationQA(t.Path, t.Type, flaggedFraction, minSNR, verdict, now()); err != nil {
				return fmt.Errorf("record calibration qa for %s: %w", t.Path, err)
			}
		}

		if verdict == "fail" {
			return pipelineerr.New(pipelineerr.CalibrationErr, "", ctx.JobID, fmt.Sprintf("table %s is entirely flagged", t.Path))
		}
	}
	return nil
}
