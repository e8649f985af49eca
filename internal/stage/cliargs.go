package stage

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

const cliTimeLayout = time.RFC3339

// ToCLIArgs serializes an ExecutionTask into the CLI arguments the
// subprocess execution mode spawns the convert/stage binary with, per
// spec.md §4.D's "task is serialized to CLI arguments" requirement.
func ToCLIArgs(t model.ExecutionTask) []string {
	args := []string{
		"--group-id", t.GroupID,
		"--input-dir", t.InputDir,
		"--output-dir", t.OutputDir,
		"--scratch-dir", t.ScratchDir,
		"--start-time", t.StartTime.UTC().Format(cliTimeLayout),
		"--end-time", t.EndTime.UTC().Format(cliTimeLayout),
		"--writer", string(t.Writer),
		"--memory-mb", itoa(t.ResourceLimits.MemoryMB),
		"--cpu-seconds", itoa(t.ResourceLimits.CPUSeconds),
		"--omp-threads", itoa(t.ResourceLimits.OMPThreads),
		"--mkl-threads", itoa(t.ResourceLimits.MKLThreads),
		"--max-workers", itoa(t.ResourceLimits.MaxWorkers),
		"--timeout-seconds", itoa(t.ResourceLimits.TimeoutSeconds),
	}
	if t.ResourceLimits.UseCgroups {
		args = append(args, "--use-cgroups")
	}
	if t.OrganizeOutputs {
		args = append(args, "--organize-outputs")
	}
	if t.IsCalibrator {
		args = append(args, "--is-calibrator")
	}
	if t.StageToTmpfs {
		args = append(args, "--stage-to-tmpfs")
	}
	for k, v := range t.EnvOverrides {
		args = append(args, "--env", k+"="+v)
	}
	return args
}

type envFlags map[string]string

func (e envFlags) String() string { return "" }

func (e envFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("--env value %q must be KEY=VALUE", s)
	}
	e[k] = v
	return nil
}

// ParseCLIArgs is the inverse of ToCLIArgs, parsed with the standard flag
// package the way every cmd/ binary parses its own flags.
func ParseCLIArgs(args []string) (model.ExecutionTask, error) {
	fs := flag.NewFlagSet("stage", flag.ContinueOnError)
	var t model.ExecutionTask
	var startStr, endStr, writer string
	var useCgroups, organizeOutputs, isCalibrator, stageToTmpfs bool
	env := make(envFlags)

	fs.StringVar(&t.GroupID, "group-id", "", "")
	fs.StringVar(&t.InputDir, "input-dir", "", "")
	fs.StringVar(&t.OutputDir, "output-dir", "", "")
	fs.StringVar(&t.ScratchDir, "scratch-dir", "", "")
	fs.StringVar(&startStr, "start-time", "", "")
	fs.StringVar(&endStr, "end-time", "", "")
	fs.StringVar(&writer, "writer", string(model.WriterAuto), "")
	fs.IntVar(&t.ResourceLimits.MemoryMB, "memory-mb", 0, "")
	fs.IntVar(&t.ResourceLimits.CPUSeconds, "cpu-seconds", 0, "")
	fs.IntVar(&t.ResourceLimits.OMPThreads, "omp-threads", 0, "")
	fs.IntVar(&t.ResourceLimits.MKLThreads, "mkl-threads", 0, "")
	fs.IntVar(&t.ResourceLimits.MaxWorkers, "max-workers", 0, "")
	fs.IntVar(&t.ResourceLimits.TimeoutSeconds, "timeout-seconds", 0, "")
	fs.BoolVar(&useCgroups, "use-cgroups", false, "")
	fs.BoolVar(&organizeOutputs, "organize-outputs", false, "")
	fs.BoolVar(&isCalibrator, "is-calibrator", false, "")
	fs.BoolVar(&stageToTmpfs, "stage-to-tmpfs", false, "")
	fs.Var(env, "env", "")

	if err := fs.Parse(args); err != nil {
		return t, fmt.Errorf("parse cli args: %w", err)
	}

	if startStr != "" {
		start, err := time.Parse(cliTimeLayout, startStr)
		if err != nil {
			return t, fmt.Errorf("parse start-time: %w", err)
		}
		t.StartTime = start
	}
	if endStr != "" {
		end, err := time.Parse(cliTimeLayout, endStr)
		if err != nil {
			return t, fmt.Errorf("parse end-time: %w", err)
		}
		t.EndTime = end
	}
	t.Writer = model.WriterKind(writer)
	t.ResourceLimits.UseCgroups = useCgroups
	t.OrganizeOutputs = organizeOutputs
	t.IsCalibrator = isCalibrator
	t.StageToTmpfs = stageToTmpfs
	if len(env) > 0 {
		t.EnvOverrides = env
	}
	return t, nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
