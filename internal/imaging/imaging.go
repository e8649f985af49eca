// Package imaging implements the imaging stage: driving an external imager
// (WSClean/tclean) at a configurable quality tier, with an optional
// NVSS+FIRST unified-catalog mask that degrades gracefully to an unmasked
// run on any failure.
package imaging

import (
	"time"

	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
)

// DefaultMaskFluxThresholdJy is the minimum catalog flux a nearby source
// must have to be included in the unified-catalog mask.
const DefaultMaskFluxThresholdJy = 0.01

// MaskSearchRadiusDeg bounds how far from the pointing center the mask
// catalog is searched for candidate sources.
const MaskSearchRadiusDeg = 1.0

// QualityTier selects an imager preset.
type QualityTier string

const (
	TierFast     QualityTier = "fast"
	TierStandard QualityTier = "standard"
	TierDeep     QualityTier = "deep"
)

// Params are the knobs passed to the external imager.
type Params struct {
	Cell      string
	Robust    float64
	Niter     int
	Threshold string
	Pblimit   float64
}

// ResolveParams builds Params from an ImagingConfig, applying the tier's
// niter multiplier on top of the configured base niter: fast images
// quickly with a shallow clean, deep spends much longer for a better noise
// floor.
func ResolveParams(cfg config.ImagingConfig, tier QualityTier) Params {
	niter := cfg.GetNiter()
	switch tier {
	case TierFast:
		niter = niter / 4
	case TierDeep:
		niter = niter * 3
	}
	if niter < 1 {
		niter = 1
	}
	return Params{
		Cell:      cfg.GetCell(),
		Robust:    cfg.GetRobust(),
		Niter:     niter,
		Threshold: thresholdOrDefault(cfg),
		Pblimit:   pblimitOrDefault(cfg),
	}
}

func thresholdOrDefault(cfg config.ImagingConfig) string {
	if cfg.Threshold != nil {
		return *cfg.Threshold
	}
	return "1mJy"
}

func pblimitOrDefault(cfg config.ImagingConfig) float64 {
	if cfg.Pblimit != nil {
		return *cfg.Pblimit
	}
	return 0.2
}

// MaskSource is one catalog source considered for the unified-catalog mask.
type MaskSource struct {
	RADeg  float64
	DecDeg float64
	FluxJy float64
}

// MaskCatalog is the NVSS+FIRST unified catalog lookup, an external
// collaborator: this package never parses catalog files itself.
type MaskCatalog interface {
	NearbySourcesBrighterThan(centerRADeg, centerDecDeg, radiusDeg, fluxThresholdJy float64) ([]MaskSource, error)
}

// MaskRenderer renders a FITS mask with circular regions at each source.
type MaskRenderer interface {
	RenderFITSMask(sources []MaskSource, radiusArcsec float64, outputPath string) (maskPath string, err error)
}

// Result is what the external imager reports about a completed run.
type Result struct {
	ImagePath           string
	FITSPath            string
	NoiseJy             float64
	DynamicRange        float64
	BeamMajorArcsec     float64
	BeamMinorArcsec     float64
	BeamPositionAngleDeg float64
}

// Imager drives the external imaging tool (WSClean/tclean). fitsMaskPath is
// empty when no mask was generated.
type Imager interface {
	Image(msPath, outputPrefix string, tier QualityTier, params Params, fitsMaskPath string) (Result, error)
}

// Stage implements the imaging stage.
type Stage struct {
	Imager       Imager
	MaskCatalog  MaskCatalog
	MaskRenderer MaskRenderer
	Products     *db.ProductsStore
	Config       config.ImagingConfig
	Now          func() time.Time
}

// NewStage returns an imaging Stage. MaskCatalog/MaskRenderer may be nil,
// in which case mask generation is skipped entirely.
func NewStage(imager Imager, maskCatalog MaskCatalog, maskRenderer MaskRenderer, products *db.ProductsStore, cfg config.ImagingConfig) *Stage {
	return &Stage{
		Imager:       imager,
		MaskCatalog:  maskCatalog,
		MaskRenderer: maskRenderer,
		Products:     products,
		Config:       cfg,
		Now:          time.Now,
	}
}

func (s *Stage) Name() string { return "imaging" }

func (s *Stage) Validate(ctx *model.PipelineContext) (bool, string) {
	if _, ok := ctx.Inputs["ms_path"].(string); !ok {
		return false, "no ms_path supplied"
	}
	if _, ok := ctx.Inputs["output_prefix"].(string); !ok {
		return false, "no output_prefix supplied"
	}
	return true, ""
}

// Execute generates an optional mask, images the MS, and records QA.
func (s *Stage) Execute(ctx *model.PipelineContext) (*model.PipelineContext, error) {
	msPath := ctx.Inputs["ms_path"].(string)
	outputPrefix := ctx.Inputs["output_prefix"].(string)
	raDeg, _ := ctx.Inputs["ra_deg"].(float64)
	decDeg, _ := ctx.Inputs["dec_deg"].(float64)

	tier := QualityTier(s.Config.GetQualityTier())
	params := ResolveParams(s.Config, tier)

	maskPath := s.tryGenerateMask(outputPrefix, raDeg, decDeg)

	result, err := s.Imager.Image(msPath, outputPrefix, tier, params, maskPath)
	if err != nil {
		return nil, pipelineerr.Wrap(err, s.Name(), ctx.JobID)
	}

	if s.Products != nil {
		now := s.Now()
		_ = s.Products.RecordQAArtifact(msPath, "noise", "noise_jy", result.NoiseJy, now)
		_ = s.Products.RecordQAArtifact(msPath, "dynamic_range", "dynamic_range", result.DynamicRange, now)
		_ = s.Products.RecordQAArtifact(msPath, "beam", "beam_major_arcsec", result.BeamMajorArcsec, now)
		_ = s.Products.RecordQAArtifact(msPath, "beam", "beam_minor_arcsec", result.BeamMinorArcsec, now)
	}

	ctx.Outputs["image_path"] = result.ImagePath
	ctx.Outputs["fits_path"] = result.FITSPath
	ctx.Outputs["noise_jy"] = result.NoiseJy
	ctx.Outputs["dynamic_range"] = result.DynamicRange
	ctx.Outputs["mask_path"] = maskPath
	return ctx, nil
}

// tryGenerateMask returns a FITS mask path, or "" if masking is disabled or
// generation failed for any reason — mask failure is always non-fatal.
func (s *Stage) tryGenerateMask(outputPrefix string, raDeg, decDeg float64) string {
	if !s.Config.UseUnicatMaskEnabled() || s.MaskCatalog == nil || s.MaskRenderer == nil {
		return ""
	}
	sources, err := s.MaskCatalog.NearbySourcesBrighterThan(raDeg, decDeg, MaskSearchRadiusDeg, DefaultMaskFluxThresholdJy)
	if err != nil {
		logging.Logf(logging.Msg("imaging: mask catalog lookup failed, proceeding unmasked", logging.F("error", err.Error())))
		return ""
	}
	if len(sources) == 0 {
		return ""
	}
	maskPath, err := s.MaskRenderer.RenderFITSMask(sources, s.Config.GetMaskRadiusArcsec(), outputPrefix+".mask.fits")
	if err != nil {
		logging.Logf(logging.Msg("imaging: mask render failed, proceeding unmasked", logging.F("error", err.Error())))
		return ""
	}
	return maskPath
}
