package pipelineerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_BySentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrCalibration)
	assert.Equal(t, CalibrationErr, Classify(err))
}

func TestClassify_ByPipelineError(t *testing.T) {
	pe := New(ConversionErr, "convert", "g1", "writer produced no MS")
	assert.Equal(t, ConversionErr, Classify(pe))
}

func TestClassify_BySubstring(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want ErrorCode
	}{
		{"oom", "cannot allocate memory for buffer", OOMError},
		{"io", "open /data/x.hdf5: no such file or directory", IOError},
		{"timeout", "stage execution timed out after 3600s", TimeoutError},
		{"resource", "rlimit: resource limit exceeded", ResourceLimit},
		{"calibration", "MODEL_DATA column is all zero: calibration aborted", CalibrationErr},
		{"conversion", "uvh5 writer produced no measurement set", ConversionErr},
		{"database", "database is locked", DatabaseError},
		{"validation", "validation failed: bad config", ValidationError},
		{"general", "something unexpected happened", GeneralError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(errors.New(tc.msg))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFromExitCode(t *testing.T) {
	assert.Equal(t, Success, FromExitCode(0))
	assert.Equal(t, OOMError, FromExitCode(-9))
	assert.Equal(t, SubprocessError, FromExitCode(-15))
	assert.Equal(t, CalibrationErr, FromExitCode(7))
	assert.Equal(t, SubprocessError, FromExitCode(42))
}

func TestPipelineError_ErrorsIs(t *testing.T) {
	pe := New(DatabaseError, "queue", "g1", "insert failed")
	require.True(t, errors.Is(pe, ErrDatabase))
	require.False(t, errors.Is(pe, ErrCalibration))
}

func TestWrap_PreservesExistingPipelineError(t *testing.T) {
	inner := New(OOMError, "", "", "killed")
	wrapped := Wrap(inner, "convert", "g2")
	assert.Equal(t, OOMError, wrapped.Code)
	assert.Equal(t, "convert", wrapped.Stage)
	assert.Equal(t, "g2", wrapped.GroupID)
}

func TestWrap_ClassifiesPlainError(t *testing.T) {
	wrapped := Wrap(errors.New("database is locked"), "queue", "g3")
	assert.Equal(t, DatabaseError, wrapped.Code)
	assert.ErrorIs(t, wrapped, ErrDatabase)
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "stage", "g"))
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "CALIBRATION_ERROR", CalibrationErr.String())
	assert.Equal(t, "SUCCESS", Success.String())
}
