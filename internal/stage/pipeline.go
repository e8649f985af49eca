package stage

import (
	"time"

	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
)

// RunInProcess executes stage directly in the calling goroutine: no
// subprocess, no rlimit isolation, sharing the worker's own address space.
// Used for cheap stages (calibration_solve, photometry, mosaic) where the
// subprocess overhead of ModeSubprocess is not worth paying.
func RunInProcess(s Stage, ctx *model.PipelineContext) model.ExecutionResult {
	started := time.Now()
	if ok, reason := s.Validate(ctx); !ok {
		return model.ExecutionResult{
			Success:       false,
			ExecutionMode: model.ModeInProcess,
			ErrorCode:     int(pipelineerr.ValidationError),
			ErrorMessage:  reason,
			StartedAt:     started,
			EndedAt:       time.Now(),
		}
	}

	out, err := s.Execute(ctx)
	result := model.ExecutionResult{
		ExecutionMode: model.ModeInProcess,
		StartedAt:     started,
		EndedAt:       time.Now(),
	}
	if err != nil {
		pe := pipelineerr.Wrap(err, s.Name(), ctx.JobID)
		result.ErrorCode = int(pe.Code)
		result.ErrorMessage = pe.Error()
		logging.Logf(logging.Msg("stage: execution failed", logging.F("stage", s.Name()), logging.F("job_id", ctx.JobID), logging.F("error", pe.Error())))
		return result
	}
	result.Success = true
	if out != nil {
		ctx = out
	}
	return result
}

// ResolveMode decides between in-process and subprocess execution for a
// stage given a requested mode, defaulting memory-heavy conversion and
// imaging stages to subprocess isolation and everything else in-process
// when the caller asks for ModeAuto.
func ResolveMode(stageName string, requested model.ExecutionMode) model.ExecutionMode {
	if requested != model.ModeAuto {
		return requested
	}
	switch stageName {
	case "conversion", "imaging":
		return model.ModeSubprocess
	default:
		return model.ModeInProcess
	}
}

// RunOrdered executes stages in the canonical Order, stopping at the first
// failure and returning which stage failed alongside its result.
func RunOrdered(stages map[string]Stage, ctx *model.PipelineContext, mode model.ExecutionMode, subprocess func(name string, task model.ExecutionTask) model.ExecutionResult, task model.ExecutionTask) (string, model.ExecutionResult) {
	for _, name := range Order {
		s, ok := stages[name]
		if !ok {
			continue
		}
		resolved := ResolveMode(name, mode)
		var result model.ExecutionResult
		if resolved == model.ModeSubprocess && subprocess != nil {
			result = subprocess(name, task)
		} else {
			result = RunInProcess(s, ctx)
		}
		if !result.Success {
			return name, result
		}
	}
	return "", model.ExecutionResult{Success: true, ExecutionMode: mode}
}
