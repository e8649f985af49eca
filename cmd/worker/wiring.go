package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dsa110/contimg/internal/calibration"
	"github.com/dsa110/contimg/internal/calibrator"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/convert"
	"github.com/dsa110/contimg/internal/dataregistry"
	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/extern"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/imaging"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/mosaic"
	"github.com/dsa110/contimg/internal/photometry"
	"github.com/dsa110/contimg/internal/pipelineerr"
	"github.com/dsa110/contimg/internal/queue"
	"github.com/dsa110/contimg/internal/sidereal"
	"github.com/dsa110/contimg/internal/stage"
	"github.com/dsa110/contimg/internal/variability"
	"github.com/dsa110/contimg/internal/worker"
)

// dsa110LongitudeDeg is the Owens Valley Radio Observatory's longitude,
// used to resolve calibrator transit times.
const dsa110LongitudeDeg = -118.2819

// buildWorker wires the ordered stage chain, the subprocess dispatch table,
// and the photometry/mosaic hooks into a worker.Worker ready for Run.
func buildWorker(cfg *config.PipelineConfig, f flags, mgr *queue.Manager, disk *fsutil.DiskMonitor,
	registryStore *db.RegistryStore, productsStore *db.ProductsStore, dataRegStore *db.DataRegistryStore) *worker.Worker {

	w := worker.New(mgr, disk)
	w.Mode = cfg.GetExecutionMode()
	w.PollInterval = time.Duration(cfg.GetWorkerPollInterval()) * time.Second

	calibrators := calibrator.NewRegistry(registryStore, nil, nil, sidereal.NewArrayTransitClock(dsa110LongitudeDeg))

	transcoder := extern.NewTranscoder(os.Getenv("CONTIMG_TRANSCODER_CMD"))
	w.Stages["conversion"] = convert.NewStage(transcoder, calibrators)

	if cfg.Features.CalibrationSolvingEnabled() {
		casa := NewExecCollaborator(os.Getenv("CONTIMG_CASA_CMD"))
		w.Stages["calibration_solve"] = calibration.NewSolveStage(
			ExecFlagger{casa}, ExecPhaseshifter{casa}, ExecModelPopulator{casa},
			ExecSolver{casa}, ExecInspector{casa}, productsStore,
		)

		tableRoot := cfg.ScratchDir + "/calibration_tables"
		catalog := DirTableCatalog{Root: tableRoot}
		w.Stages["calibration_apply"] = calibration.NewApplyStage(catalog, ExecInterpolator{casa}, ExecApplier{casa})
	}

	if cfg.Features.GroupImagingEnabled() {
		imager := NewExecCollaborator(os.Getenv("CONTIMG_IMAGER_CMD"))
		var maskCatalog imaging.MaskCatalog
		var maskRenderer imaging.MaskRenderer
		if cfg.Imaging.UseUnicatMaskEnabled() {
			maskCatalog = ExecMaskCatalog{imager}
			maskRenderer = ExecMaskRenderer{imager}
		}
		w.Stages["imaging"] = imaging.NewStage(ExecImager{imager}, maskCatalog, maskRenderer, productsStore, cfg.Imaging)
	}

	dataReg := dataregistry.New(dataRegStore)
	w.RecordProduct = makeProductRecorder(productsStore, dataReg, cfg.Features.AutoPublishEnabled())

	if f.convertBinary != "" {
		resultDir := cfg.ScratchDir + "/stage_results"
		_ = os.MkdirAll(resultDir, 0o755)
		runner := stage.NewStageRunner(f.convertBinary, resultDir)
		w.Subprocess = func(name string, task model.ExecutionTask) model.ExecutionResult {
			if name != "conversion" {
				code := int(pipelineerr.SubprocessError)
				return model.ExecutionResult{
					ReturnCode: code, ErrorCode: code,
					ErrorMessage: fmt.Sprintf("no subprocess binary configured for stage %q", name),
				}
			}
			return runner.RunSubprocess(task)
		}
	}

	if cfg.Features.PhotometryEnabled() {
		w.PhotometryHook = makePhotometryHook(productsStore, os.Getenv("CONTIMG_EXTRACTOR_CMD"))
	}
	if cfg.Features.MosaicCreationEnabled() {
		w.MosaicHook = makeMosaicHook(productsStore, dataReg, cfg.Features.AutoPublishEnabled(), os.Getenv("CONTIMG_MOSAIC_CMD"))
	}

	return w
}

// makeProductRecorder persists each producing stage's output as an ms_index
// row and a data-registry artifact, per spec.md sections 4.F.2 and 4.J: the
// conversion, calibration, and imaging stages each get one call to record
// what they built, the way dataregistry's package doc promises. ctx.Inputs
// carries the merged Inputs+Outputs view carryForward builds, so every field
// a prior stage produced is still visible here.
func makeProductRecorder(products *db.ProductsStore, dataReg *dataregistry.Registry, autoPublish bool) worker.ProductRecorder {
	return func(groupID, stageName string, ctx *model.PipelineContext) error {
		msPath, _ := ctx.Inputs["ms_path"].(string)
		if msPath == "" {
			return nil
		}

		switch stageName {
		case "conversion":
			rec := model.MSRecord{Path: msPath, ProcessingStage: model.MSConverted, Status: "ok"}
			if v, ok := ctx.Inputs["mid_mjd"].(float64); ok {
				rec.MidpointMJD = v
			}
			if v, ok := ctx.Inputs["ra_deg"].(float64); ok {
				rec.PointingRADeg = v
			}
			if v, ok := ctx.Inputs["dec_deg"].(float64); ok {
				rec.PointingDecDeg = v
			}
			if err := products.UpsertMS(rec); err != nil {
				return fmt.Errorf("upsert ms record: %w", err)
			}
			if dataReg == nil {
				return nil
			}
			if _, err := dataReg.RegisterArtifact("ms", msPath, msPath, "", autoPublish); err != nil {
				return fmt.Errorf("register ms artifact: %w", err)
			}

		case "calibration_solve":
			if dataReg == nil {
				return nil
			}
			tables, _ := ctx.Inputs["calibration_tables"].([]string)
			for _, tbl := range tables {
				if _, err := dataReg.RegisterArtifact("caltable", tbl, tbl, "", autoPublish); err != nil {
					return fmt.Errorf("register caltable artifact %s: %w", tbl, err)
				}
			}

		case "calibration_apply":
			rec, err := loadOrInitMS(products, msPath)
			if err != nil {
				return err
			}
			rec.ProcessingStage = model.MSCalibrated
			if applied, ok := ctx.Inputs["cal_applied"].(bool); ok {
				rec.CalApplied = applied
			}
			if tables, ok := ctx.Inputs["calibration_tables"].([]string); ok {
				rec.CalibrationTables = tables
			}
			rec.Status = "ok"
			if needsReview, _ := ctx.Inputs["needs_review"].(bool); needsReview {
				rec.Status = "needs_review"
			}
			if err := products.UpsertMS(*rec); err != nil {
				return fmt.Errorf("update ms record after calibration apply: %w", err)
			}

		case "imaging":
			rec, err := loadOrInitMS(products, msPath)
			if err != nil {
				return err
			}
			rec.ProcessingStage = model.MSImaged
			if err := products.UpsertMS(*rec); err != nil {
				return fmt.Errorf("update ms record after imaging: %w", err)
			}
			if dataReg == nil {
				return nil
			}
			if imagePath, ok := ctx.Inputs["image_path"].(string); ok && imagePath != "" {
				if _, err := dataReg.RegisterArtifact("image", imagePath, imagePath, "", autoPublish); err != nil {
					return fmt.Errorf("register image artifact: %w", err)
				}
			}
			if fitsPath, ok := ctx.Inputs["fits_path"].(string); ok && fitsPath != "" {
				if _, err := dataReg.RegisterArtifact("qa_report", fitsPath, fitsPath, "", autoPublish); err != nil {
					return fmt.Errorf("register qa report artifact: %w", err)
				}
			}
		}
		return nil
	}
}

// loadOrInitMS fetches the ms_index row a prior stage wrote, falling back to
// a fresh record keyed on msPath if conversion's UpsertMS hasn't run yet
// (e.g. calibration_apply running standalone in a test harness).
func loadOrInitMS(products *db.ProductsStore, msPath string) (*model.MSRecord, error) {
	rec, err := products.GetMS(msPath)
	if err != nil {
		return nil, fmt.Errorf("load ms record %s: %w", msPath, err)
	}
	if rec == nil {
		rec = &model.MSRecord{Path: msPath, Status: "ok"}
	}
	return rec, nil
}

// ExecExtractor shells out to the external source-extraction tool
// (PyBDSF/Aegean in production) that turns a finished image into flux
// measurements at known catalog positions, the step spec.md's photometry
// module assumes already happened before Source.CalcVariabilityMetrics runs.
type ExecExtractor struct{ *ExecCollaborator }

func (e ExecExtractor) ExtractMeasurements(msPath string) ([]model.PhotometryMeasurement, error) {
	var resp struct {
		Measurements []model.PhotometryMeasurement `json:"measurements"`
	}
	err := e.Invoke("extract_photometry", map[string]string{"ms_path": msPath}, &resp)
	return resp.Measurements, err
}

// makePhotometryHook extracts flux measurements from every MS imaged in the
// acquired group's time window, records them, and recomputes each source's
// variability metrics. Photometry extraction has no access to the stage
// chain's in-memory ctx (hooks only see groupID/task), so it rediscovers
// its inputs from ProductsStore the same way mosaic.Trigger does.
func makePhotometryHook(products *db.ProductsStore, extractorBin string) worker.Hook {
	extractor := ExecExtractor{NewExecCollaborator(extractorBin)}
	return func(groupID string, task model.ExecutionTask) error {
		mses, err := products.ImagedMSesInWindow(toMJD(task.StartTime), toMJD(task.EndTime))
		if err != nil {
			return fmt.Errorf("find imaged ms for group %s: %w", groupID, err)
		}
		bySource := make(map[string][]model.PhotometryMeasurement)
		for _, rec := range mses {
			measurements, err := extractor.ExtractMeasurements(rec.Path)
			if err != nil {
				logging.Logf(logging.Msg("worker: photometry extraction failed", logging.F("ms_path", rec.Path), logging.F("error", err.Error())))
				continue
			}
			for _, m := range measurements {
				if err := products.InsertPhotometryMeasurement(m); err != nil {
					logging.Logf(logging.Msg("worker: insert photometry measurement failed", logging.F("error", err.Error())))
					continue
				}
				bySource[m.SourceID] = append(bySource[m.SourceID], m)
			}
		}

		now := time.Now()
		var observed []variability.ObservedSource
		var baseline []variability.BaselineSource
		for sourceID, fresh := range bySource {
			history, err := products.MeasurementsForSource(sourceID)
			if err != nil {
				continue
			}
			src := photometry.NewSource(sourceID, append(history, fresh...))
			metrics := src.CalcVariabilityMetrics()
			if err := products.UpsertVariabilityMetrics(sourceID, src.NEpochs(), metrics.V, metrics.Eta, metrics.VsMean, metrics.MMean, now); err != nil {
				logging.Logf(logging.Msg("worker: upsert variability metrics failed", logging.F("source_id", sourceID), logging.F("error", err.Error())))
			}

			latest := fresh[len(fresh)-1]
			observed = append(observed, variability.ObservedSource{
				RADeg: latest.RADeg, DecDeg: latest.DecDeg,
				FluxMJy: latest.FluxJy * 1000, FluxErrMJy: latest.FluxErrJy * 1000,
			})
			if len(history) > 0 {
				baseline = append(baseline, variability.BaselineSource{
					RADeg: latest.RADeg, DecDeg: latest.DecDeg, FluxMJy: meanFluxMJy(history),
				})
			}
		}

		if len(observed) == 0 {
			return nil
		}
		params := variability.DefaultDetectionParams("lightcurve_history")
		for i, candidate := range variability.DetectTransients(observed, baseline, params) {
			candidate.CandidateID = fmt.Sprintf("%s-%d-%d", candidate.SourceName, now.Unix(), i)
			candidate.DetectedAt = now
			if err := products.InsertTransientCandidate(candidate); err != nil {
				logging.Logf(logging.Msg("worker: insert transient candidate failed", logging.F("candidate_id", candidate.CandidateID), logging.F("error", err.Error())))
				continue
			}
			level, ok := variability.AssignAlertLevel(candidate)
			if !ok {
				continue
			}
			alert := model.TransientAlert{
				CandidateID: candidate.CandidateID,
				AlertLevel:  level,
				Message:     formatTransientAlert(candidate),
			}
			if err := products.InsertTransientAlert(alert); err != nil {
				logging.Logf(logging.Msg("worker: insert transient alert failed", logging.F("candidate_id", candidate.CandidateID), logging.F("error", err.Error())))
			}
		}
		return nil
	}
}

// meanFluxMJy averages a source's prior epochs to stand in for the
// reference-catalog flux variability.DetectTransients expects as a
// baseline, in the absence of a wired NVSS/FIRST cross-match service.
func meanFluxMJy(history []model.PhotometryMeasurement) float64 {
	var sum float64
	for _, m := range history {
		sum += m.FluxJy * 1000
	}
	return sum / float64(len(history))
}

// formatTransientAlert renders the human-readable alert body, matching the
// "brightened from 25.0 to 50.0 mJy (2.00×, 10.6σ)" phrasing.
func formatTransientAlert(c model.TransientCandidate) string {
	switch c.DetectionType {
	case model.DetectionBrightening:
		return fmt.Sprintf("%s brightened from %.1f to %.1f mJy (%.2f×, %.1fσ)",
			c.SourceName, c.FluxBaselineMJy, c.FluxObsMJy, c.FluxRatio, c.SignificanceSigma)
	case model.DetectionFading:
		if c.FluxObsMJy == 0 {
			return fmt.Sprintf("%s no longer detected, last seen at %.1f mJy", c.SourceName, c.FluxBaselineMJy)
		}
		return fmt.Sprintf("%s faded from %.1f to %.1f mJy (%.2f×, %.1fσ)",
			c.SourceName, c.FluxBaselineMJy, c.FluxObsMJy, c.FluxRatio, c.SignificanceSigma)
	case model.DetectionVariable:
		return fmt.Sprintf("%s varying between %.1f and %.1f mJy (%.2f×, %.1fσ)",
			c.SourceName, c.FluxBaselineMJy, c.FluxObsMJy, c.FluxRatio, c.SignificanceSigma)
	default:
		return fmt.Sprintf("%s new source detected at %.1f mJy (%.1fσ)", c.SourceName, c.FluxObsMJy, c.SignificanceSigma)
	}
}

// makeMosaicHook drives the sliding-window mosaic trigger once per imaged
// group, remembering the last formed group across invocations so the next
// call's 2-MS overlap check has something to compare against. A completed
// mosaic is registered with the published-data registry, auto-publishing it
// when the operator has enabled that feature toggle.
func makeMosaicHook(products *db.ProductsStore, dataReg *dataregistry.Registry, autoPublish bool, builderBin string) worker.Hook {
	trigger := mosaic.NewTrigger(products, ExecMosaicBuilder{NewExecCollaborator(builderBin)})
	var lastGroup *model.MosaicGroup
	return func(groupID string, task model.ExecutionTask) error {
		midMJD := toMJD(task.StartTime.Add(task.EndTime.Sub(task.StartTime) / 2))
		group, err := trigger.OnNewlyImagedMS(midMJD, lastGroup)
		if err != nil {
			return fmt.Errorf("mosaic trigger for group %s: %w", groupID, err)
		}
		if group == nil {
			return nil
		}
		lastGroup = group
		if group.Status == model.MosaicCompleted && dataReg != nil {
			if _, err := dataReg.RegisterArtifact("mosaic", group.MosaicPath, group.MosaicPath, "", autoPublish); err != nil {
				logging.Logf(logging.Msg("worker: register mosaic artifact failed", logging.F("group_id", group.GroupID), logging.F("error", err.Error())))
			}
		}
		return nil
	}
}
