package imaging

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestProductsStore(t *testing.T) *db.ProductsStore {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.KindProducts, filepath.Join(dir, "products.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return db.NewProductsStore(conn)
}

type fakeImager struct {
	result      Result
	err         error
	lastMask    string
	lastTier    QualityTier
}

func (f *fakeImager) Image(msPath, outputPrefix string, tier QualityTier, params Params, fitsMaskPath string) (Result, error) {
	f.lastMask = fitsMaskPath
	f.lastTier = tier
	return f.result, f.err
}

type fakeMaskCatalog struct {
	sources []MaskSource
	err     error
}

func (f fakeMaskCatalog) NearbySourcesBrighterThan(centerRADeg, centerDecDeg, radiusDeg, fluxThresholdJy float64) ([]MaskSource, error) {
	return f.sources, f.err
}

type fakeMaskRenderer struct {
	path string
	err  error
}

func (f fakeMaskRenderer) RenderFITSMask(sources []MaskSource, radiusArcsec float64, outputPath string) (string, error) {
	return f.path, f.err
}

func trueBool() *bool { b := true; return &b }

func TestResolveParams_TierAdjustsNiter(t *testing.T) {
	niter := 10000
	cfg := config.ImagingConfig{Niter: &niter}
	require.Equal(t, 2500, ResolveParams(cfg, TierFast).Niter)
	require.Equal(t, 10000, ResolveParams(cfg, TierStandard).Niter)
	require.Equal(t, 30000, ResolveParams(cfg, TierDeep).Niter)
}

func TestStage_Execute_NoMaskWhenDisabled(t *testing.T) {
	products := newTestProductsStore(t)
	imager := &fakeImager{result: Result{ImagePath: "/out/obs.image", FITSPath: "/out/obs.fits", NoiseJy: 0.001, DynamicRange: 500}}
	s := NewStage(imager, fakeMaskCatalog{}, fakeMaskRenderer{}, products, config.ImagingConfig{})
	s.Now = func() time.Time { return time.Unix(0, 0) }

	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["ms_path"] = "/data/sci.ms"
	ctx.Inputs["output_prefix"] = "/out/obs"
	ctx.Inputs["ra_deg"] = 120.0
	ctx.Inputs["dec_deg"] = 45.0

	out, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, "/out/obs.image", out.Outputs["image_path"])
	require.Equal(t, "", imager.lastMask)
}

func TestStage_Execute_GeneratesMaskWhenEnabled(t *testing.T) {
	products := newTestProductsStore(t)
	imager := &fakeImager{result: Result{ImagePath: "/out/obs.image"}}
	cfg := config.ImagingConfig{UseUnicatMask: trueBool()}
	catalog := fakeMaskCatalog{sources: []MaskSource{{RADeg: 120, DecDeg: 45, FluxJy: 0.5}}}
	renderer := fakeMaskRenderer{path: "/out/obs.mask.fits"}
	s := NewStage(imager, catalog, renderer, products, cfg)

	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["ms_path"] = "/data/sci.ms"
	ctx.Inputs["output_prefix"] = "/out/obs"
	ctx.Inputs["ra_deg"] = 120.0
	ctx.Inputs["dec_deg"] = 45.0

	out, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, "/out/obs.mask.fits", imager.lastMask)
	require.Equal(t, "/out/obs.mask.fits", out.Outputs["mask_path"])
}

func TestStage_Execute_MaskCatalogFailureFallsBackUnmasked(t *testing.T) {
	products := newTestProductsStore(t)
	imager := &fakeImager{result: Result{ImagePath: "/out/obs.image"}}
	cfg := config.ImagingConfig{UseUnicatMask: trueBool()}
	catalog := fakeMaskCatalog{err: errors.New("catalog unreachable")}
	s := NewStage(imager, catalog, fakeMaskRenderer{}, products, cfg)

	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["ms_path"] = "/data/sci.ms"
	ctx.Inputs["output_prefix"] = "/out/obs"

	out, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, "", imager.lastMask)
	require.Equal(t, "/out/obs.image", out.Outputs["image_path"])
}

func TestStage_Execute_MaskRenderFailureFallsBackUnmasked(t *testing.T) {
	products := newTestProductsStore(t)
	imager := &fakeImager{result: Result{ImagePath: "/out/obs.image"}}
	cfg := config.ImagingConfig{UseUnicatMask: trueBool()}
	catalog := fakeMaskCatalog{sources: []MaskSource{{RADeg: 120, DecDeg: 45, FluxJy: 0.5}}}
	renderer := fakeMaskRenderer{err: errors.New("render failed")}
	s := NewStage(imager, catalog, renderer, products, cfg)

	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["ms_path"] = "/data/sci.ms"
	ctx.Inputs["output_prefix"] = "/out/obs"

	_, err := s.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, "", imager.lastMask)
}

func TestStage_Execute_ImagerErrorPropagates(t *testing.T) {
	products := newTestProductsStore(t)
	imager := &fakeImager{err: errors.New("wsclean crashed")}
	s := NewStage(imager, fakeMaskCatalog{}, fakeMaskRenderer{}, products, config.ImagingConfig{})

	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["ms_path"] = "/data/sci.ms"
	ctx.Inputs["output_prefix"] = "/out/obs"

	_, err := s.Execute(ctx)
	require.Error(t, err)
}

func TestStage_Validate_MissingInputs(t *testing.T) {
	s := NewStage(&fakeImager{}, nil, nil, nil, config.ImagingConfig{})
	ctx := model.NewPipelineContext("job1")
	ok, reason := s.Validate(ctx)
	require.False(t, ok)
	require.Contains(t, reason, "ms_path")
}
