// Package stage provides the uniform lifecycle for a pipeline stage that
// can run either in-process or in an isolated subprocess, per spec.md
// §4.D: identical observable behavior and ExecutionResult shape in either
// mode.
package stage

import (
	"github.com/dsa110/contimg/internal/model"
)

// Stage is the contract every pipeline stage implements.
type Stage interface {
	// Name identifies the stage for logging and metrics (e.g. "conversion",
	// "calibration_solve", "imaging").
	Name() string
	// Validate performs pre-flight checks: inputs exist, config is coherent.
	Validate(ctx *model.PipelineContext) (bool, string)
	// Execute performs the work and returns the context with ctx.Outputs
	// populated.
	Execute(ctx *model.PipelineContext) (*model.PipelineContext, error)
}

// Order is the canonical stage sequence per observation group:
// Conversion -> Calibration (Solve for calibrators, Apply for science) ->
// Imaging -> (Photometry) -> (Mosaic).
var Order = []string{
	"conversion",
	"calibration_solve",
	"calibration_apply",
	"imaging",
	"photometry",
	"mosaic",
}
