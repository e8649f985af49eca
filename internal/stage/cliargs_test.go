package stage

import (
	"testing"
	"time"

	"github.com/dsa110/contimg/internal/model"
	"github.com/stretchr/testify/require"
)

func TestCLIArgsRoundTrip(t *testing.T) {
	start := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)

	cases := []model.ExecutionTask{
		{
			GroupID: "2025-06-01T03:00:00", InputDir: "/data/in", OutputDir: "/data/out",
			ScratchDir: "/scratch", StartTime: start, EndTime: end, Writer: model.WriterAuto,
			ResourceLimits: model.ResourceLimits{MemoryMB: 4096, CPUSeconds: 600, OMPThreads: 4, MKLThreads: 4, MaxWorkers: 2, TimeoutSeconds: 900},
		},
		{
			GroupID: "2025-06-01T03:10:00", InputDir: "/data/in2", OutputDir: "/data/out2",
			ScratchDir: "/scratch2", StartTime: start, EndTime: end, Writer: model.WriterDirectSubband,
			ResourceLimits:  model.ResourceLimits{MemoryMB: 8192, CPUSeconds: 1200, OMPThreads: 8, MKLThreads: 8, MaxWorkers: 1, TimeoutSeconds: 1800, UseCgroups: true},
			OrganizeOutputs: true,
			IsCalibrator:    true,
			StageToTmpfs:    true,
			EnvOverrides:    map[string]string{"FOO": "bar", "BAZ": "qux"},
		},
		{
			GroupID: "2025-06-01T03:20:00", InputDir: "/data/in3", OutputDir: "/data/out3",
			ScratchDir: "/scratch3", StartTime: start, EndTime: end, Writer: model.WriterParallelSubband,
			ResourceLimits: model.ResourceLimits{MemoryMB: 2048, CPUSeconds: 300, OMPThreads: 2, MKLThreads: 2, MaxWorkers: 4, TimeoutSeconds: 600},
		},
	}

	for _, want := range cases {
		args := ToCLIArgs(want)
		got, err := ParseCLIArgs(args)
		require.NoError(t, err)

		require.Equal(t, want.GroupID, got.GroupID)
		require.Equal(t, want.InputDir, got.InputDir)
		require.Equal(t, want.OutputDir, got.OutputDir)
		require.Equal(t, want.ScratchDir, got.ScratchDir)
		require.True(t, want.StartTime.Equal(got.StartTime))
		require.True(t, want.EndTime.Equal(got.EndTime))
		require.Equal(t, want.Writer, got.Writer)
		require.Equal(t, want.ResourceLimits, got.ResourceLimits)
		require.Equal(t, want.OrganizeOutputs, got.OrganizeOutputs)
		require.Equal(t, want.IsCalibrator, got.IsCalibrator)
		require.Equal(t, want.StageToTmpfs, got.StageToTmpfs)
		if len(want.EnvOverrides) == 0 {
			require.Empty(t, got.EnvOverrides)
		} else {
			require.Equal(t, want.EnvOverrides, got.EnvOverrides)
		}
	}
}

func TestParseCLIArgs_DefaultsWriterToAuto(t *testing.T) {
	got, err := ParseCLIArgs([]string{"--group-id", "g1"})
	require.NoError(t, err)
	require.Equal(t, model.WriterAuto, got.Writer)
	require.Equal(t, "g1", got.GroupID)
}

func TestParseCLIArgs_RejectsMalformedEnv(t *testing.T) {
	_, err := ParseCLIArgs([]string{"--env", "NOVALUE"})
	require.Error(t, err)
}
