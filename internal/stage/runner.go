package stage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dsa110/contimg/internal/deploy"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
)

// StageRunner spawns a stage as a subprocess (the `convert` CLI or another
// stage binary), serializing the task to CLI arguments and recovering the
// ExecutionResult from a structured result file plus the exit code, per
// spec.md §4.D's subprocess execution mode. It reuses the teacher's
// injectable CommandBuilder rather than introducing a second command-exec
// abstraction.
type StageRunner struct {
	Binary         string
	CommandBuilder deploy.CommandBuilder
	ResultDir      string
}

// NewStageRunner returns a StageRunner invoking binary (e.g. the path to
// the built `convert` CLI) with results written under resultDir.
func NewStageRunner(binary, resultDir string) *StageRunner {
	return &StageRunner{
		Binary:         binary,
		CommandBuilder: deploy.NewRealCommandBuilder(),
		ResultDir:      resultDir,
	}
}

// RunSubprocess executes task as a subprocess and returns the canonical
// ExecutionResult, mapping the exit code through pipelineerr.FromExitCode
// when the child does not leave a result file behind (e.g. it was killed).
func (r *StageRunner) RunSubprocess(task model.ExecutionTask) model.ExecutionResult {
	started := time.Now()
	resultPath := filepath.Join(r.ResultDir, task.GroupID+".result.json")
	args := append(ToCLIArgs(task), "--result-path", resultPath)

	// Rlimits are inherited by forked children, so set them on this process
	// immediately before spawning the stage subprocess. The runner only
	// ever has one stage in flight, so mutating process-wide limits here is
	// safe; see rlimit_unix.go / rlimit_other.go for the backends.
	if err := applyResourceLimits(newResourceLimitSpec(task.ResourceLimits)); err != nil {
		logging.Logf(logging.Msg("stage: rlimit setup failed", logging.F("group_id", task.GroupID), logging.F("error", err.Error())))
	}

	cmd := r.CommandBuilder.BuildCommand(r.Binary, args...)
	output, runErr := cmd.Run()

	result := model.ExecutionResult{
		ExecutionMode: model.ModeSubprocess,
		StartedAt:     started,
		EndedAt:       time.Now(),
		WriterType:    task.Writer,
	}

	if parsed, readErr := readResultFile(resultPath); readErr == nil {
		parsed.StartedAt = result.StartedAt
		parsed.EndedAt = result.EndedAt
		parsed.ExecutionMode = model.ModeSubprocess
		return parsed
	}

	exitCode := exitCodeOf(runErr)
	result.ReturnCode = exitCode
	if exitCode == 0 {
		result.Success = true
	} else {
		result.ErrorCode = int(pipelineerr.FromExitCode(exitCode))
		result.ErrorMessage = fmt.Sprintf("subprocess exited %d: %s", exitCode, truncate(string(output), 4096))
	}
	return result
}

// WriteResultFile persists an ExecutionResult to path, the contract the
// in-process stage runner inside the subprocess uses to hand its outcome
// back to the parent that spawned it.
func WriteResultFile(path string, result model.ExecutionResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write result file %s: %w", path, err)
	}
	return nil
}

func readResultFile(path string) (model.ExecutionResult, error) {
	var result model.ExecutionResult
	b, err := os.ReadFile(path)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("unmarshal result file %s: %w", path, err)
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// exitCoder is implemented by *exec.ExitError; declared locally so the
// caller doesn't need to import os/exec directly.
type exitCoder interface {
	ExitCode() int
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	return -1
}
