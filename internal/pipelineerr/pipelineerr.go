// Package pipelineerr implements the canonical error taxonomy shared by every
// pipeline stage, the worker loop, and the convert CLI's exit code.
package pipelineerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the canonical taxonomy. Its integer value doubles as the
// subprocess exit code for the convert CLI and any other stage binary.
type ErrorCode int

const (
	Success         ErrorCode = 0
	GeneralError    ErrorCode = 1
	IOError         ErrorCode = 2
	OOMError        ErrorCode = 3
	TimeoutError    ErrorCode = 4
	ValidationError ErrorCode = 5
	ResourceLimit   ErrorCode = 6
	CalibrationErr  ErrorCode = 7
	ConversionErr   ErrorCode = 8
	DatabaseError   ErrorCode = 9
	SubprocessError ErrorCode = 10
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case GeneralError:
		return "GENERAL_ERROR"
	case IOError:
		return "IO_ERROR"
	case OOMError:
		return "OOM_ERROR"
	case TimeoutError:
		return "TIMEOUT_ERROR"
	case ValidationError:
		return "VALIDATION_ERROR"
	case ResourceLimit:
		return "RESOURCE_LIMIT_ERROR"
	case CalibrationErr:
		return "CALIBRATION_ERROR"
	case ConversionErr:
		return "CONVERSION_ERROR"
	case DatabaseError:
		return "DATABASE_ERROR"
	case SubprocessError:
		return "SUBPROCESS_ERROR"
	default:
		return fmt.Sprintf("ERROR_CODE(%d)", int(c))
	}
}

// PipelineError wraps an underlying cause with a canonical code, a stage
// name, and the observation group it failed. It satisfies errors.Is/As
// against both the wrapped cause and a sentinel per code, so callers can
// match on whichever is convenient.
type PipelineError struct {
	Code    ErrorCode
	Stage   string
	GroupID string
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	if e.GroupID != "" {
		fmt.Fprintf(&b, " group_id=%s", e.GroupID)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// Is reports whether target is a sentinel for the same ErrorCode, so that
// errors.Is(err, pipelineerr.ErrCalibration) matches any PipelineError
// carrying CalibrationErr regardless of message or cause.
func (e *PipelineError) Is(target error) bool {
	var sentinel *codeSentinel
	if errors.As(target, &sentinel) {
		return sentinel.code == e.Code
	}
	return false
}

// New constructs a PipelineError with no cause.
func New(code ErrorCode, stage, groupID, message string) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, GroupID: groupID, Message: message}
}

// Wrap constructs a PipelineError around cause, classifying it if cause does
// not already carry a code.
func Wrap(cause error, stage, groupID string) *PipelineError {
	if cause == nil {
		return nil
	}
	var existing *PipelineError
	if errors.As(cause, &existing) {
		if existing.Stage == "" {
			existing.Stage = stage
		}
		if existing.GroupID == "" {
			existing.GroupID = groupID
		}
		return existing
	}
	return &PipelineError{
		Code:    Classify(cause),
		Stage:   stage,
		GroupID: groupID,
		Cause:   cause,
	}
}

type codeSentinel struct{ code ErrorCode }

func (s *codeSentinel) Error() string { return s.code.String() }

// Sentinel per code, usable with errors.Is.
var (
	ErrGeneral      = &codeSentinel{GeneralError}
	ErrIO           = &codeSentinel{IOError}
	ErrOOM          = &codeSentinel{OOMError}
	ErrTimeout      = &codeSentinel{TimeoutError}
	ErrValidation   = &codeSentinel{ValidationError}
	ErrResourceCap  = &codeSentinel{ResourceLimit}
	ErrCalibration  = &codeSentinel{CalibrationErr}
	ErrConversion   = &codeSentinel{ConversionErr}
	ErrDatabase     = &codeSentinel{DatabaseError}
	ErrSubprocess   = &codeSentinel{SubprocessError}
)

// Classify maps an arbitrary Go error to a canonical ErrorCode, first by
// sentinel/type, then by substring match on the message, mirroring the
// mapping rules of the error-handling design: standard exceptions by type
// first, then substring match on category keywords.
func Classify(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	for _, s := range []*codeSentinel{ErrIO, ErrOOM, ErrTimeout, ErrValidation, ErrResourceCap, ErrCalibration, ErrConversion, ErrDatabase, ErrSubprocess, ErrGeneral} {
		if errors.Is(err, s) {
			return s.code
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom") || strings.Contains(msg, "cannot allocate memory"):
		return OOMError
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "enospc") || strings.Contains(msg, "edquot") ||
		strings.Contains(msg, "no such file or directory") || strings.Contains(msg, "permission denied"):
		return IOError
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return TimeoutError
	case strings.Contains(msg, "resource limit") || strings.Contains(msg, "rlimit") || strings.Contains(msg, "cgroup"):
		return ResourceLimit
	case strings.Contains(msg, "calibration") || strings.Contains(msg, "model_data") || strings.Contains(msg, "bandpass") || strings.Contains(msg, "refant"):
		return CalibrationErr
	case strings.Contains(msg, "uvh5") || strings.Contains(msg, "measurement set") || strings.Contains(msg, "conversion"):
		return ConversionErr
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql") || strings.Contains(msg, "locked"):
		return DatabaseError
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return ValidationError
	default:
		return GeneralError
	}
}

// FromExitCode maps a subprocess return code to an ErrorCode. Negative codes
// from a terminated process are special-cased per the exit-code policy:
// -9 (SIGKILL, typically the OOM killer) maps to OOMError, any other
// negative value maps to SubprocessError.
func FromExitCode(code int) ErrorCode {
	switch {
	case code == 0:
		return Success
	case code == -9:
		return OOMError
	case code < 0:
		return SubprocessError
	case code >= 1 && code <= 10:
		return ErrorCode(code)
	default:
		return SubprocessError
	}
}
