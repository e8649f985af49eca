package convert

import (
	"errors"
	"os"
	"testing"

	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
	"github.com/stretchr/testify/require"
)

type fakeTranscoder struct {
	result TranscodeResult
	err    error
}

func (f fakeTranscoder) Transcode(shardPaths []string, outputDir, scratchDir string, writer model.WriterKind, limits model.ResourceLimits) (TranscodeResult, error) {
	return f.result, f.err
}

type fakeCalibratorChecker struct {
	ok   bool
	name string
	err  error
}

func (f fakeCalibratorChecker) IsKnownCalibrator(raDeg, decDeg, toleranceDeg float64) (bool, string, error) {
	return f.ok, f.name, f.err
}

func validResult() TranscodeResult {
	return TranscodeResult{
		MSPath:                 "/tmp/out.ms",
		ChannelFreqsHz:         []float64{1.0e9, 1.1e9, 1.2e9},
		AntennaPositionsITRF:   [][3]float64{{0, 0, 0}, {1, 1, 1}},
		ReferencePositionsITRF: [][3]float64{{0, 0, 0.01}, {1, 1, 1.01}},
		UVW:                    [][3]float64{{1, 2, 3}, {2, 3, 4}, {4, 5, 6}, {7, 8, 9}},
		PointingRADeg:          120.0,
		PointingDecDeg:         45.0,
		MidpointMJD:            60000.5,
	}
}

func TestValidatePreconditions_Valid(t *testing.T) {
	require.NoError(t, ValidatePreconditions(validResult()))
}

func TestValidatePreconditions_NonAscendingFrequencies(t *testing.T) {
	r := validResult()
	r.ChannelFreqsHz = []float64{1.2e9, 1.1e9, 1.3e9}
	err := ValidatePreconditions(r)
	require.Error(t, err)
	require.ErrorIs(t, err, pipelineerr.ErrConversion)
}

func TestValidatePreconditions_AntennaDrift(t *testing.T) {
	r := validResult()
	r.ReferencePositionsITRF = [][3]float64{{0, 0, 0}, {10, 10, 10}}
	err := ValidatePreconditions(r)
	require.Error(t, err)
	require.ErrorIs(t, err, pipelineerr.ErrConversion)
}

func TestValidatePreconditions_TooManyZeroUVW(t *testing.T) {
	r := validResult()
	r.UVW = [][3]float64{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}, {1, 2, 3}}
	err := ValidatePreconditions(r)
	require.Error(t, err)
}

func TestValidatePreconditions_ModelDataRequestedButZero(t *testing.T) {
	r := validResult()
	r.ModelDataRequested = true
	r.ModelDataMaxAmplitude = 0
	err := ValidatePreconditions(r)
	require.Error(t, err)
}

func TestValidatePreconditions_ModelDataRequestedAndPresent(t *testing.T) {
	r := validResult()
	r.ModelDataRequested = true
	r.ModelDataMaxAmplitude = 1.5
	require.NoError(t, ValidatePreconditions(r))
}

func TestStageExecute_SetsIsCalibratorAndOutputs(t *testing.T) {
	dir := t.TempDir()
	shard := dir + "/shard0.uvh5"
	require.NoError(t, os.WriteFile(shard, []byte("x"), 0o644))

	s := NewStage(fakeTranscoder{result: validResult()}, fakeCalibratorChecker{ok: true, name: "3C286"})
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["shard_paths"] = []string{shard}
	ctx.Inputs["output_dir"] = dir

	ok, reason := s.Validate(ctx)
	require.True(t, ok, reason)

	out, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, "/tmp/out.ms", out.Outputs["ms_path"])
	require.Equal(t, true, out.Outputs["is_calibrator"])
	require.Equal(t, "3C286", out.Outputs["calibrator_name"])
}

func TestStageExecute_NotACalibrator(t *testing.T) {
	dir := t.TempDir()
	shard := dir + "/shard0.uvh5"
	require.NoError(t, os.WriteFile(shard, []byte("x"), 0o644))

	s := NewStage(fakeTranscoder{result: validResult()}, fakeCalibratorChecker{ok: false})
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["shard_paths"] = []string{shard}
	ctx.Inputs["output_dir"] = dir

	out, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, false, out.Outputs["is_calibrator"])
}

func TestStageExecute_TranscoderError(t *testing.T) {
	dir := t.TempDir()
	shard := dir + "/shard0.uvh5"
	require.NoError(t, os.WriteFile(shard, []byte("x"), 0o644))

	s := NewStage(fakeTranscoder{err: errors.New("pyuvdata crashed")}, fakeCalibratorChecker{})
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["shard_paths"] = []string{shard}
	ctx.Inputs["output_dir"] = dir

	_, err := s.Execute(ctx)
	require.Error(t, err)
}

func TestStageExecute_InvalidTranscodeResultRejected(t *testing.T) {
	dir := t.TempDir()
	shard := dir + "/shard0.uvh5"
	require.NoError(t, os.WriteFile(shard, []byte("x"), 0o644))

	bad := validResult()
	bad.ChannelFreqsHz = []float64{2.0e9, 1.0e9}
	s := NewStage(fakeTranscoder{result: bad}, fakeCalibratorChecker{})
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["shard_paths"] = []string{shard}
	ctx.Inputs["output_dir"] = dir

	_, err := s.Execute(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, pipelineerr.ErrConversion)
}

func TestStageValidate_MissingShardPaths(t *testing.T) {
	s := NewStage(fakeTranscoder{}, fakeCalibratorChecker{})
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["output_dir"] = t.TempDir()
	ok, reason := s.Validate(ctx)
	require.False(t, ok)
	require.Contains(t, reason, "shard paths")
}

func TestStageValidate_UnreadableShard(t *testing.T) {
	s := NewStage(fakeTranscoder{}, fakeCalibratorChecker{})
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["shard_paths"] = []string{"/nonexistent/shard0.uvh5"}
	ctx.Inputs["output_dir"] = t.TempDir()
	ok, reason := s.Validate(ctx)
	require.False(t, ok)
	require.Contains(t, reason, "unreadable")
}

func TestAscendingFrequencies(t *testing.T) {
	require.True(t, AscendingFrequencies([]float64{1, 2, 3}))
	require.False(t, AscendingFrequencies([]float64{1, 1, 2}))
	require.False(t, AscendingFrequencies(nil))
}

func TestUVWMostlyNonZero(t *testing.T) {
	require.True(t, UVWMostlyNonZero([][3]float64{{1, 0, 0}, {1, 0, 0}, {1, 0, 0}, {0, 0, 0}}, 0.5))
	require.False(t, UVWMostlyNonZero([][3]float64{{0, 0, 0}, {0, 0, 0}, {1, 0, 0}}, 0.9))
	require.False(t, UVWMostlyNonZero(nil, 0.5))
}
