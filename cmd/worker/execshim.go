package main

import (
	"github.com/dsa110/contimg/internal/calibration"
	"github.com/dsa110/contimg/internal/extern"
	"github.com/dsa110/contimg/internal/imaging"
)

// ExecCollaborator is the shim every calibration/imaging/mosaic collaborator
// wrapper below embeds; it is the same extern.Collaborator cmd/convert drives
// its transcoder through, kept as a local alias so the wrapper types read as
// a single family. Driving CASA/WSClean/AOFlagger from Go is out of the
// project's Non-goals, so every numeric step in calibration and imaging is an
// external process.
type ExecCollaborator = extern.Collaborator

var NewExecCollaborator = extern.NewCollaborator

// ExecFlagger implements calibration.Flagger.
type ExecFlagger struct{ *ExecCollaborator }

func (e ExecFlagger) FlagAutocorrelationsAndRFI(msPath string) error {
	return e.Invoke("flag_autocorrelations_and_rfi", map[string]string{"ms_path": msPath}, nil)
}

// ExecPhaseshifter implements calibration.Phaseshifter.
type ExecPhaseshifter struct{ *ExecCollaborator }

func (e ExecPhaseshifter) Phaseshift(msPath string, center calibration.PhaseCenter) (string, error) {
	var resp struct {
		ShiftedMSPath string `json:"shifted_ms_path"`
	}
	err := e.Invoke("phaseshift", map[string]any{"ms_path": msPath, "center": center}, &resp)
	return resp.ShiftedMSPath, err
}

// ExecModelPopulator implements calibration.ModelPopulator.
type ExecModelPopulator struct{ *ExecCollaborator }

func (e ExecModelPopulator) PopulateModel(msPath string, calibratorFluxJy float64) (float64, error) {
	var resp struct {
		MaxAmplitudeJy float64 `json:"max_amplitude_jy"`
	}
	err := e.Invoke("populate_model", map[string]any{"ms_path": msPath, "calibrator_flux_jy": calibratorFluxJy}, &resp)
	return resp.MaxAmplitudeJy, err
}

// ExecSolver implements calibration.Solver.
type ExecSolver struct{ *ExecCollaborator }

func (e ExecSolver) SolvePreBandpassPhase(msPath string, refants []int) (string, error) {
	var resp struct {
		TablePath string `json:"table_path"`
	}
	err := e.Invoke("solve_pre_bandpass_phase", map[string]any{"ms_path": msPath, "refants": refants}, &resp)
	return resp.TablePath, err
}

func (e ExecSolver) SolveBandpass(msPath string, refants []int, gaintables []string, minSNR float64) (string, error) {
	var resp struct {
		TablePath string `json:"table_path"`
	}
	err := e.Invoke("solve_bandpass", map[string]any{
		"ms_path": msPath, "refants": refants, "gaintables": gaintables, "min_snr": minSNR,
	}, &resp)
	return resp.TablePath, err
}

func (e ExecSolver) SolveGain(msPath string, refants []int, gaintables []string, solintSeconds, minSNR float64) (string, error) {
	var resp struct {
		TablePath string `json:"table_path"`
	}
	err := e.Invoke("solve_gain", map[string]any{
		"ms_path": msPath, "refants": refants, "gaintables": gaintables,
		"solint_seconds": solintSeconds, "min_snr": minSNR,
	}, &resp)
	return resp.TablePath, err
}

// ExecInspector implements calibration.TableInspector.
type ExecInspector struct{ *ExecCollaborator }

func (e ExecInspector) FlaggedFraction(tablePath string) (float64, error) {
	var resp struct {
		FlaggedFraction float64 `json:"flagged_fraction"`
	}
	err := e.Invoke("table_flagged_fraction", map[string]string{"table_path": tablePath}, &resp)
	return resp.FlaggedFraction, err
}

func (e ExecInspector) MinSNRAchieved(tablePath string) (float64, error) {
	var resp struct {
		MinSNR float64 `json:"min_snr"`
	}
	err := e.Invoke("table_min_snr", map[string]string{"table_path": tablePath}, &resp)
	return resp.MinSNR, err
}

func (e ExecInspector) PerAntennaFlaggedFraction(tablePath string) ([]calibration.AntennaHealth, error) {
	var resp struct {
		Health []calibration.AntennaHealth `json:"health"`
	}
	err := e.Invoke("table_per_antenna_flagged_fraction", map[string]string{"table_path": tablePath}, &resp)
	return resp.Health, err
}

// ExecInterpolator implements calibration.Interpolator.
type ExecInterpolator struct{ *ExecCollaborator }

func (e ExecInterpolator) Interpolate(earlier, later calibration.CandidateTable, atMJD float64) (string, error) {
	var resp struct {
		TablePath string `json:"table_path"`
	}
	err := e.Invoke("interpolate_table", map[string]any{"earlier": earlier, "later": later, "at_mjd": atMJD}, &resp)
	return resp.TablePath, err
}

// ExecApplier implements calibration.Applier.
type ExecApplier struct{ *ExecCollaborator }

func (e ExecApplier) Apply(msPath string, gaintables []string, interp []string) error {
	return e.Invoke("apply_calibration", map[string]any{
		"ms_path": msPath, "gaintables": gaintables, "interp": interp,
	}, nil)
}

// ExecImager implements imaging.Imager.
type ExecImager struct{ *ExecCollaborator }

func (e ExecImager) Image(msPath, outputPrefix string, tier imaging.QualityTier, params imaging.Params, fitsMaskPath string) (imaging.Result, error) {
	var result imaging.Result
	err := e.Invoke("image", map[string]any{
		"ms_path": msPath, "output_prefix": outputPrefix, "tier": tier,
		"params": params, "fits_mask_path": fitsMaskPath,
	}, &result)
	return result, err
}

// ExecMaskCatalog implements imaging.MaskCatalog, shelling out to the
// NVSS+FIRST unified-catalog lookup rather than parsing catalog files
// in-process.
type ExecMaskCatalog struct{ *ExecCollaborator }

func (e ExecMaskCatalog) NearbySourcesBrighterThan(centerRADeg, centerDecDeg, radiusDeg, fluxThresholdJy float64) ([]imaging.MaskSource, error) {
	var resp struct {
		Sources []imaging.MaskSource `json:"sources"`
	}
	err := e.Invoke("mask_catalog_nearby_sources", map[string]float64{
		"center_ra_deg": centerRADeg, "center_dec_deg": centerDecDeg,
		"radius_deg": radiusDeg, "flux_threshold_jy": fluxThresholdJy,
	}, &resp)
	return resp.Sources, err
}

// ExecMaskRenderer implements imaging.MaskRenderer.
type ExecMaskRenderer struct{ *ExecCollaborator }

func (e ExecMaskRenderer) RenderFITSMask(sources []imaging.MaskSource, radiusArcsec float64, outputPath string) (string, error) {
	var resp struct {
		MaskPath string `json:"mask_path"`
	}
	err := e.Invoke("render_fits_mask", map[string]any{
		"sources": sources, "radius_arcsec": radiusArcsec, "output_path": outputPath,
	}, &resp)
	return resp.MaskPath, err
}

// ExecMosaicBuilder implements mosaic.Builder.
type ExecMosaicBuilder struct{ *ExecCollaborator }

func (e ExecMosaicBuilder) BuildMosaic(groupID string, msPaths []string) (string, error) {
	var resp struct {
		MosaicPath string `json:"mosaic_path"`
	}
	err := e.Invoke("build_mosaic", map[string]any{"group_id": groupID, "ms_paths": msPaths}, &resp)
	return resp.MosaicPath, err
}
