// Command convert is the single-stage CLI boundary the subprocess
// execution mode spawns: its flag set matches stage.ToCLIArgs exactly, so
// a worker running in ModeSubprocess and one running in ModeInProcess
// remain interchangeable, per spec.md section 6.
package main

import (
	"fmt"
	"os"

	"github.com/dsa110/contimg/internal/calibrator"
	"github.com/dsa110/contimg/internal/convert"
	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/index"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
	"github.com/dsa110/contimg/internal/sidereal"
	"github.com/dsa110/contimg/internal/stage"
)

// dsa110LongitudeDeg is the Owens Valley Radio Observatory's longitude,
// used only to resolve calibrator transit times; conversion's own
// is_calibrator lookup does not need a transit clock, but calibrator.Registry
// requires one at construction.
const dsa110LongitudeDeg = -118.2819

// groupFilenameToleranceSec matches index.NewIndexer's default grouping
// tolerance, since convert rediscovers its shard list independently of
// whatever tolerance the worker's indexer was configured with.
const groupFilenameToleranceSec = 10

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	args, resultPath := extractResultPath(argv)
	task, err := stage.ParseCLIArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "convert:", err)
		return int(pipelineerr.ValidationError)
	}

	result := execute(task)
	result.ReturnCode = result.ErrorCode
	if resultPath != "" {
		if werr := stage.WriteResultFile(resultPath, result); werr != nil {
			fmt.Fprintln(os.Stderr, "convert: write result file:", werr)
		}
	}
	if !result.Success {
		fmt.Fprintln(os.Stderr, "convert:", result.ErrorMessage)
	}
	return result.ReturnCode
}

func execute(task model.ExecutionTask) model.ExecutionResult {
	shardPaths, err := index.ShardsForGroup(task.InputDir, task.GroupID, groupFilenameToleranceSec)
	if err != nil {
		return failureResult(pipelineerr.Wrap(err, "conversion", task.GroupID))
	}
	if len(shardPaths) == 0 {
		return failureResult(pipelineerr.New(pipelineerr.IOError, "conversion", task.GroupID,
			fmt.Sprintf("no shard files found for group %s under %s", task.GroupID, task.InputDir)))
	}

	registryPath := envOr("CONTIMG_REGISTRY_DB", "registry.db")
	conn, err := db.Open(db.KindRegistry, registryPath)
	if err != nil {
		return failureResult(pipelineerr.Wrap(err, "conversion", task.GroupID))
	}
	defer conn.Close()

	calibrators := calibrator.NewRegistry(db.NewRegistryStore(conn), nil, nil, sidereal.NewArrayTransitClock(dsa110LongitudeDeg))
	transcoder := NewExecTranscoder(os.Getenv("CONTIMG_TRANSCODER_CMD"))
	s := convert.NewStage(transcoder, calibrators)

	ctx := model.NewPipelineContext(task.GroupID)
	ctx.Inputs["shard_paths"] = shardPaths
	ctx.Inputs["output_dir"] = task.OutputDir
	ctx.Inputs["scratch_dir"] = task.ScratchDir
	ctx.Inputs["writer"] = task.Writer
	ctx.Inputs["resource_limits"] = task.ResourceLimits

	return stage.RunInProcess(s, ctx)
}

func failureResult(pe *pipelineerr.PipelineError) model.ExecutionResult {
	return model.ExecutionResult{
		ErrorCode:    int(pe.Code),
		ErrorMessage: pe.Error(),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// extractResultPath pulls a "--result-path VALUE" pair out of argv before
// handing the remainder to stage.ParseCLIArgs, since --result-path is a
// convert-specific addition the subprocess runner appends on top of
// stage.ToCLIArgs's output and is not part of that contract's round trip.
func extractResultPath(argv []string) (remaining []string, resultPath string) {
	for i := 0; i < len(argv); i++ {
		if argv[i] == "--result-path" && i+1 < len(argv) {
			resultPath = argv[i+1]
			i++
			continue
		}
		remaining = append(remaining, argv[i])
	}
	return remaining, resultPath
}
