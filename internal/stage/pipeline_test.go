package stage

import (
	"errors"
	"testing"

	"github.com/dsa110/contimg/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	name    string
	valid   bool
	reason  string
	execErr error
}

func (f fakeStage) Name() string { return f.name }

func (f fakeStage) Validate(ctx *model.PipelineContext) (bool, string) {
	if !f.valid {
		return false, f.reason
	}
	return true, ""
}

func (f fakeStage) Execute(ctx *model.PipelineContext) (*model.PipelineContext, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	ctx.Outputs[f.name] = "done"
	return ctx, nil
}

func TestRunInProcess_Success(t *testing.T) {
	ctx := model.NewPipelineContext("job1")
	result := RunInProcess(fakeStage{name: "calibration_solve", valid: true}, ctx)
	require.True(t, result.Success)
	require.Equal(t, model.ModeInProcess, result.ExecutionMode)
	require.Equal(t, "done", ctx.Outputs["calibration_solve"])
}

func TestRunInProcess_ValidationFailure(t *testing.T) {
	ctx := model.NewPipelineContext("job1")
	result := RunInProcess(fakeStage{name: "imaging", valid: false, reason: "missing ms"}, ctx)
	require.False(t, result.Success)
	require.Contains(t, result.ErrorMessage, "missing ms")
}

func TestRunInProcess_ExecuteError(t *testing.T) {
	ctx := model.NewPipelineContext("job1")
	result := RunInProcess(fakeStage{name: "photometry", valid: true, execErr: errors.New("catalog timeout")}, ctx)
	require.False(t, result.Success)
	require.NotZero(t, result.ErrorCode)
}

func TestResolveMode_AutoPicksSubprocessForHeavyStages(t *testing.T) {
	require.Equal(t, model.ModeSubprocess, ResolveMode("conversion", model.ModeAuto))
	require.Equal(t, model.ModeSubprocess, ResolveMode("imaging", model.ModeAuto))
	require.Equal(t, model.ModeInProcess, ResolveMode("photometry", model.ModeAuto))
	require.Equal(t, model.ModeInProcess, ResolveMode("calibration_solve", model.ModeAuto))
}

func TestResolveMode_ExplicitRequestWins(t *testing.T) {
	require.Equal(t, model.ModeInProcess, ResolveMode("conversion", model.ModeInProcess))
}

func TestRunOrdered_StopsAtFirstFailure(t *testing.T) {
	ctx := model.NewPipelineContext("job1")
	stages := map[string]Stage{
		"conversion":         fakeStage{name: "conversion", valid: true},
		"calibration_solve":  fakeStage{name: "calibration_solve", valid: true},
		"calibration_apply":  fakeStage{name: "calibration_apply", valid: false, reason: "no solutions"},
		"imaging":            fakeStage{name: "imaging", valid: true},
	}
	subprocessCalls := 0
	subprocess := func(name string, task model.ExecutionTask) model.ExecutionResult {
		subprocessCalls++
		return model.ExecutionResult{Success: true}
	}
	failedStage, result := RunOrdered(stages, ctx, model.ModeAuto, subprocess, model.ExecutionTask{})
	require.Equal(t, "calibration_apply", failedStage)
	require.False(t, result.Success)
	require.Equal(t, 1, subprocessCalls)
}
