// Package config loads and validates the pipeline's hierarchical runtime
// configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/security"
)

// MaxConfigFileBytes bounds the size of a config file LoadPipelineConfig will
// read, guarding against an operator accidentally pointing it at something
// enormous.
const MaxConfigFileBytes = 4 << 20 // 4 MiB

// FeatureToggles is the config file's "enable" block. The worker binary has
// no --enable-* command-line flags; these toggles are set only through the
// JSON config.
type FeatureToggles struct {
	CalibrationSolving *bool `json:"calibration_solving,omitempty"`
	GroupImaging       *bool `json:"group_imaging,omitempty"`
	MosaicCreation     *bool `json:"mosaic_creation,omitempty"`
	Photometry         *bool `json:"photometry,omitempty"`
	AutoQA             *bool `json:"auto_qa,omitempty"`
	AutoPublish        *bool `json:"auto_publish,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (f FeatureToggles) CalibrationSolvingEnabled() bool { return boolOr(f.CalibrationSolving, true) }
func (f FeatureToggles) GroupImagingEnabled() bool       { return boolOr(f.GroupImaging, true) }
func (f FeatureToggles) MosaicCreationEnabled() bool     { return boolOr(f.MosaicCreation, true) }
func (f FeatureToggles) PhotometryEnabled() bool         { return boolOr(f.Photometry, true) }
func (f FeatureToggles) AutoQAEnabled() bool             { return boolOr(f.AutoQA, false) }
func (f FeatureToggles) AutoPublishEnabled() bool        { return boolOr(f.AutoPublish, false) }

// DiskThresholds is the watched-path warning/critical fraction pair.
type DiskThresholds struct {
	WarningFraction  *float64 `json:"warning_fraction,omitempty"`
	CriticalFraction *float64 `json:"critical_fraction,omitempty"`
}

func (d DiskThresholds) Warning() float64 {
	if d.WarningFraction != nil {
		return *d.WarningFraction
	}
	return 0.85
}

func (d DiskThresholds) Critical() float64 {
	if d.CriticalFraction != nil {
		return *d.CriticalFraction
	}
	return 0.95
}

// ImagingConfig holds the tclean/WSClean-facing knobs named in the design
// notes' enumerated config surface.
type ImagingConfig struct {
	Cell             *string  `json:"cell,omitempty"`
	Robust           *float64 `json:"robust,omitempty"`
	Niter            *int     `json:"niter,omitempty"`
	Threshold        *string  `json:"threshold,omitempty"`
	Pblimit          *float64 `json:"pblimit,omitempty"`
	QualityTier      *string  `json:"quality_tier,omitempty"`
	UseUnicatMask    *bool    `json:"use_unicat_mask,omitempty"`
	MaskRadiusArcsec *float64 `json:"mask_radius_arcsec,omitempty"`
}

func (i ImagingConfig) GetCell() string {
	if i.Cell != nil {
		return *i.Cell
	}
	return "3arcsec"
}

func (i ImagingConfig) GetRobust() float64 {
	if i.Robust != nil {
		return *i.Robust
	}
	return 0.5
}

func (i ImagingConfig) GetNiter() int {
	if i.Niter != nil {
		return *i.Niter
	}
	return 10000
}

func (i ImagingConfig) GetQualityTier() string {
	if i.QualityTier != nil {
		return *i.QualityTier
	}
	return "standard"
}

func (i ImagingConfig) GetMaskRadiusArcsec() float64 {
	if i.MaskRadiusArcsec != nil {
		return *i.MaskRadiusArcsec
	}
	return 60.0
}

func (i ImagingConfig) UseUnicatMaskEnabled() bool {
	return boolOr(i.UseUnicatMask, false)
}

// PipelineConfig is the top-level hierarchical configuration for the worker
// and its stages. Every field is optional; Get*-style accessors on the
// nested structs supply defaults, and unknown top-level keys are rejected at
// load time.
type PipelineConfig struct {
	InputDir          string                `json:"input_dir"`
	OutputDir         string                `json:"output_dir"`
	ScratchDir        string                `json:"scratch_dir"`
	QueueDB           string                `json:"queue_db"`
	RegistryDB        string                `json:"registry_db"`
	DataRegistryDB    string                `json:"data_registry_db"`
	ExpectedSubbands  *int                  `json:"expected_subbands,omitempty"`
	PollIntervalSec   *int                  `json:"poll_interval_seconds,omitempty"`
	WorkerPollSec     *int                  `json:"worker_poll_interval_seconds,omitempty"`
	ExecutionMode     *string               `json:"execution_mode,omitempty"`
	Writer            *string               `json:"writer,omitempty"`
	ResourceLimits    *model.ResourceLimits `json:"resource_limits,omitempty"`
	CalFenceTimeoutSec *int                 `json:"cal_fence_timeout_seconds,omitempty"`
	Features          FeatureToggles        `json:"enable"`
	DiskThresholds    DiskThresholds        `json:"disk_thresholds"`
	Imaging           ImagingConfig         `json:"imaging"`
}

func (c *PipelineConfig) GetExpectedSubbands() int {
	if c.ExpectedSubbands != nil {
		return *c.ExpectedSubbands
	}
	return 16
}

func (c *PipelineConfig) GetPollInterval() int {
	if c.PollIntervalSec != nil {
		return *c.PollIntervalSec
	}
	return 5
}

func (c *PipelineConfig) GetWorkerPollInterval() int {
	if c.WorkerPollSec != nil {
		return *c.WorkerPollSec
	}
	return 2
}

func (c *PipelineConfig) GetExecutionMode() model.ExecutionMode {
	if c.ExecutionMode != nil {
		return model.ExecutionMode(*c.ExecutionMode)
	}
	return model.ModeAuto
}

func (c *PipelineConfig) GetWriter() model.WriterKind {
	if c.Writer != nil {
		return model.WriterKind(*c.Writer)
	}
	return model.WriterAuto
}

func (c *PipelineConfig) GetResourceLimits() model.ResourceLimits {
	if c.ResourceLimits != nil {
		return *c.ResourceLimits
	}
	return model.ResourceLimits{
		MemoryMB:       16384,
		CPUSeconds:     3600,
		OMPThreads:     4,
		MKLThreads:     4,
		MaxWorkers:     1,
		UseCgroups:     false,
		TimeoutSeconds: 3600,
	}
}

func (c *PipelineConfig) GetCalFenceTimeout() int {
	if c.CalFenceTimeoutSec != nil {
		return *c.CalFenceTimeoutSec
	}
	return 1800
}

var validExecutionModes = map[string]bool{
	string(model.ModeInProcess): true,
	string(model.ModeSubprocess): true,
	string(model.ModeAuto):       true,
}

var validWriters = map[string]bool{
	string(model.WriterAuto):            true,
	string(model.WriterDirectSubband):   true,
	string(model.WriterParallelSubband): true,
}

// Validate checks field coherence the way the design notes require: unknown
// options are rejected at decode time (DisallowUnknownFields), and the
// values present here must be internally consistent.
func (c *PipelineConfig) Validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("config: input_dir is required")
	}
	if c.QueueDB == "" {
		return fmt.Errorf("config: queue_db is required")
	}
	if c.ExecutionMode != nil && !validExecutionModes[*c.ExecutionMode] {
		return fmt.Errorf("config: invalid execution_mode %q", *c.ExecutionMode)
	}
	if c.Writer != nil && !validWriters[*c.Writer] {
		return fmt.Errorf("config: invalid writer %q", *c.Writer)
	}
	if c.GetExpectedSubbands() <= 0 {
		return fmt.Errorf("config: expected_subbands must be positive")
	}
	if d := c.DiskThresholds; d.Warning() >= d.Critical() {
		return fmt.Errorf("config: disk warning_fraction must be less than critical_fraction")
	}
	return nil
}

// LoadPipelineConfig reads and validates a JSON configuration file. Only
// ".json" files are accepted and the file must not exceed
// MaxConfigFileBytes, matching the teacher's own config-loading guardrails.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	if ext := filepath.Ext(path); ext != ".json" {
		return nil, fmt.Errorf("config: unsupported extension %q, expected .json", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config: %s is %d bytes, exceeds max %d", path, info.Size(), MaxConfigFileBytes)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg PipelineConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidatePathsWithinRoots checks that ScratchDir and OutputDir stay under
// their configured roots, reusing the same traversal guard the teacher
// applies to its own file-serving paths.
func ValidatePathsWithinRoots(scratchDir, scratchRoot, outputDir, outputRoot string) error {
	if scratchRoot != "" {
		if err := security.ValidatePathWithinDirectory(scratchDir, scratchRoot); err != nil {
			return fmt.Errorf("config: scratch_dir: %w", err)
		}
	}
	if outputRoot != "" {
		if err := security.ValidatePathWithinDirectory(outputDir, outputRoot); err != nil {
			return fmt.Errorf("config: output_dir: %w", err)
		}
	}
	return nil
}
