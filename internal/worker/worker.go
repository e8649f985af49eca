// Package worker implements the top-level acquire/process/record loop that
// drives one observation group at a time through the ordered stage chain,
// per spec.md section 4.K.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/calibrator"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
	"github.com/dsa110/contimg/internal/queue"
	"github.com/dsa110/contimg/internal/stage"
)

// Default polling/backoff intervals, matching the worker loop's defaults in
// section 4.K/5 absent an overriding PipelineConfig.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultCriticalSleep = 60 * time.Second
)

// fatalStages names the stages whose failure aborts a group; every other
// stage in stage.Order records its failure in the result metrics and lets
// the chain continue, per section 4.K: "Imaging failure is non-fatal;
// photometry and mosaic failures are non-fatal and only logged."
var fatalStages = map[string]bool{
	"conversion":        true,
	"calibration_solve": true,
}

// groupStageEnter/groupStageExit map a stage name to the ProcessingStage an
// observation group moves into on entry and on successful completion.
// calibration_solve and calibration_apply share the CALIBRATING/CALIBRATED
// pair since both belong to the same fine-grained phase.
var groupStageEnter = map[string]model.ProcessingStage{
	"conversion":         model.StageConverting,
	"calibration_solve":  model.StageCalibrating,
	"calibration_apply":  model.StageCalibrating,
	"imaging":            model.StageImaging,
}

var groupStageExit = map[string]model.ProcessingStage{
	"conversion":         model.StageConverted,
	"calibration_solve":  model.StageCalibrated,
	"calibration_apply":  model.StageCalibrated,
	"imaging":            model.StageImaged,
}

// Hook is a non-fatal, best-effort step run after imaging completes
// (photometry extraction, mosaic-trigger evaluation). Its error is logged
// but never fails the group.
type Hook func(groupID string, task model.ExecutionTask) error

// BuildTaskFunc materializes the ExecutionTask for an acquired group, e.g.
// by resolving its shard paths via queue.Manager.GetGroupFiles.
type BuildTaskFunc func(groupID string) (model.ExecutionTask, error)

// SetProcessingStageFunc persists (or merely observes) a fine-grained
// processing-stage transition. ingest_queue only carries the coarser
// GroupState column, so the default implementation just logs; a caller with
// a richer schema can inject its own.
type SetProcessingStageFunc func(groupID string, stage model.ProcessingStage)

// ProductRecorder persists whatever artifact a just-completed stage
// produced (an ms_index row, a data-registry entry) using the merged
// Inputs/Outputs view carryForward just built. Its error is logged but
// never fails the group, the same non-fatal treatment as PhotometryHook
// and MosaicHook.
type ProductRecorder func(groupID, stageName string, ctx *model.PipelineContext) error

func logProcessingStage(groupID string, ps model.ProcessingStage) {
	logging.Logf(logging.Msg("worker: processing stage", logging.F("group_id", groupID), logging.F("stage", string(ps))))
}

// Worker runs the acquire/process/record loop of spec.md section 4.K.
type Worker struct {
	Queue       *queue.Manager
	DiskMonitor *fsutil.DiskMonitor

	// Stages holds the Stage-interface implementations keyed by name
	// ("conversion", "calibration_solve", "calibration_apply", "imaging").
	// A name absent from the map is skipped, matching stage.RunOrdered.
	Stages map[string]stage.Stage
	Mode   model.ExecutionMode
	// Subprocess runs a stage out-of-process when ResolveMode selects
	// ModeSubprocess; nil forces every stage in-process regardless of mode.
	Subprocess func(name string, task model.ExecutionTask) model.ExecutionResult

	BuildTask          BuildTaskFunc
	SetProcessingStage SetProcessingStageFunc
	PhotometryHook     Hook
	MosaicHook         Hook
	RecordProduct      ProductRecorder

	PollInterval          time.Duration
	CriticalSleepInterval time.Duration
	Now                   func() time.Time
	Sleep                 func(ctx context.Context, d time.Duration)
}

// New returns a Worker with the spec's default poll/backoff intervals and a
// logging-only processing-stage hook; callers set Stages, BuildTask, and any
// PhotometryHook/MosaicHook before calling Run.
func New(q *queue.Manager, disk *fsutil.DiskMonitor) *Worker {
	return &Worker{
		Queue:                 q,
		DiskMonitor:           disk,
		Stages:                make(map[string]stage.Stage),
		Mode:                  model.ModeAuto,
		SetProcessingStage:    logProcessingStage,
		PollInterval:          DefaultPollInterval,
		CriticalSleepInterval: DefaultCriticalSleep,
		Now:                   time.Now,
		Sleep:                 sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// GroupResult is process_group's outcome.
type GroupResult struct {
	GroupID      string
	Success      bool
	FailedStage  string
	ErrorCode    int
	ErrorMessage string
	Metrics      map[string]float64
}

// ProcessGroup runs groupID through the ordered stage chain, applying the
// fatal/non-fatal policy above, then runs the photometry and mosaic hooks
// unconditionally (their failures never abort the group).
func (w *Worker) ProcessGroup(groupID string) GroupResult {
	result := GroupResult{GroupID: groupID, Metrics: make(map[string]float64)}

	task, err := w.buildTask(groupID)
	if err != nil {
		result.FailedStage = "conversion"
		result.ErrorCode = int(pipelineerr.ValidationError)
		result.ErrorMessage = fmt.Sprintf("build task: %v", err)
		w.transition(groupID, model.StageFailed)
		return result
	}

	ctx := model.NewPipelineContext(groupID)
	for _, name := range stage.Order {
		s, ok := w.Stages[name]
		if !ok {
			continue
		}
		if enter, ok := groupStageEnter[name]; ok {
			w.transition(groupID, enter)
		}

		started := w.now()
		stageResult := w.runStage(name, s, ctx, task)
		result.Metrics[name+"_ms"] = float64(w.now().Sub(started).Milliseconds())

		if !stageResult.Success {
			logging.Logf(logging.Msg("worker: stage failed",
				logging.F("group_id", groupID), logging.F("stage", name),
				logging.F("error_code", stageResult.ErrorCode), logging.F("error", stageResult.ErrorMessage)))
			if fatalStages[name] {
				result.FailedStage = name
				result.ErrorCode = stageResult.ErrorCode
				result.ErrorMessage = stageResult.ErrorMessage
				w.transition(groupID, model.StageFailed)
				return result
			}
			result.Metrics[name+"_failed"] = 1
			continue
		}
		carryForward(ctx, stageResult)
		if w.RecordProduct != nil {
			if err := w.RecordProduct(groupID, name, ctx); err != nil {
				logging.Logf(logging.Msg("worker: record product failed, non-fatal",
					logging.F("group_id", groupID), logging.F("stage", name), logging.F("error", err.Error())))
			}
		}
		if exit, ok := groupStageExit[name]; ok {
			w.transition(groupID, exit)
		}
	}

	w.runHook("photometry", w.PhotometryHook, groupID, task, result.Metrics)
	w.runHook("mosaic", w.MosaicHook, groupID, task, result.Metrics)

	result.Success = true
	w.transition(groupID, model.StageCompleted)
	return result
}

// carryForward feeds a completed stage's outputs into ctx.Inputs so the next
// stage in the chain can see them: neither stage.RunInProcess nor a
// subprocess ExecutionResult copies a stage's Outputs into the next stage's
// Inputs on its own. A subprocess stage never touches ctx at all, so its
// MSPath is folded in explicitly; an in-process stage already wrote into
// ctx.Outputs, so the loop below is what actually makes those visible as
// Inputs. dec_strip is derived here once ms metadata names a dec_deg, since
// calibration_apply needs it but no stage produces it directly.
func carryForward(ctx *model.PipelineContext, result model.ExecutionResult) {
	for k, v := range ctx.Outputs {
		ctx.Inputs[k] = v
	}
	if result.MSPath != "" {
		ctx.Inputs["ms_path"] = result.MSPath
	}
	if decDeg, ok := ctx.Inputs["dec_deg"].(float64); ok {
		if _, has := ctx.Inputs["dec_strip"]; !has {
			ctx.Inputs["dec_strip"] = calibrator.DecStrip(decDeg)
		}
	}
}

func (w *Worker) runStage(name string, s stage.Stage, ctx *model.PipelineContext, task model.ExecutionTask) model.ExecutionResult {
	mode := stage.ResolveMode(name, w.Mode)
	if mode == model.ModeSubprocess && w.Subprocess != nil {
		return w.Subprocess(name, task)
	}
	return stage.RunInProcess(s, ctx)
}

func (w *Worker) runHook(name string, hook Hook, groupID string, task model.ExecutionTask, metrics map[string]float64) {
	if hook == nil {
		return
	}
	started := w.now()
	err := hook(groupID, task)
	metrics[name+"_ms"] = float64(w.now().Sub(started).Milliseconds())
	if err != nil {
		logging.Logf(logging.Msg("worker: hook failed, non-fatal",
			logging.F("group_id", groupID), logging.F("hook", name), logging.F("error", err.Error())))
	}
}

func (w *Worker) buildTask(groupID string) (model.ExecutionTask, error) {
	if w.BuildTask != nil {
		return w.BuildTask(groupID)
	}
	return model.ExecutionTask{GroupID: groupID}, nil
}

func (w *Worker) transition(groupID string, ps model.ProcessingStage) {
	if w.SetProcessingStage != nil {
		w.SetProcessingStage(groupID, ps)
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run executes the top-level loop until ctx is cancelled (SIGINT/SIGTERM via
// signal.Notify in cmd/worker's newShutdownContext), finishing whatever group is
// currently being processed before returning.
func (w *Worker) Run(ctx context.Context) error {
	pollInterval := w.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	criticalSleep := w.CriticalSleepInterval
	if criticalSleep <= 0 {
		criticalSleep = DefaultCriticalSleep
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.DiskMonitor != nil {
			_, critical, err := w.DiskMonitor.Check()
			if err != nil {
				logging.Logf(logging.Msg("worker: disk check failed", logging.F("error", err.Error())))
			} else if critical {
				logging.Logf(logging.Msg("worker: disk critical, pausing"))
				sleep(ctx, criticalSleep)
				continue
			}
		}

		groupID, err := w.Queue.AcquireNextPending(w.now())
		if err != nil {
			logging.Logf(logging.Msg("worker: acquire failed", logging.F("error", err.Error())))
			sleep(ctx, pollInterval)
			continue
		}
		if groupID == "" {
			sleep(ctx, pollInterval)
			continue
		}

		logging.Logf(logging.Msg("worker: processing group", logging.F("group_id", groupID)))
		result := w.ProcessGroup(groupID)
		now := w.now()
		if result.Success {
			if err := w.Queue.Complete(groupID, result.Metrics, now); err != nil {
				logging.Logf(logging.Msg("worker: failed to record completion", logging.F("group_id", groupID), logging.F("error", err.Error())))
			}
		} else {
			if err := w.Queue.Fail(groupID, result.FailedStage, result.ErrorMessage, now); err != nil {
				logging.Logf(logging.Msg("worker: failed to record failure", logging.F("group_id", groupID), logging.F("error", err.Error())))
			}
		}
	}
}
