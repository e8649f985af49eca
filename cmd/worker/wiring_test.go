package main

import (
	"path/filepath"
	"testing"

	"github.com/dsa110/contimg/internal/dataregistry"
	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestProductsStore(t *testing.T) *db.ProductsStore {
	t.Helper()
	conn, err := db.Open(db.KindProducts, filepath.Join(t.TempDir(), "products.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return db.NewProductsStore(conn)
}

func newTestDataRegistry(t *testing.T) *dataregistry.Registry {
	t.Helper()
	conn, err := db.Open(db.KindDataRegistry, filepath.Join(t.TempDir(), "dataregistry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return dataregistry.New(db.NewDataRegistryStore(conn))
}

func TestMakeProductRecorder_ConversionUpsertsMSAndRegistersArtifact(t *testing.T) {
	products := newTestProductsStore(t)
	reg := newTestDataRegistry(t)
	recorder := makeProductRecorder(products, reg, false)

	ctx := model.NewPipelineContext("g1")
	ctx.Inputs["ms_path"] = "/scratch/g1.ms"
	ctx.Inputs["ra_deg"] = 120.5
	ctx.Inputs["dec_deg"] = 34.6
	ctx.Inputs["mid_mjd"] = 60100.25

	require.NoError(t, recorder("g1", "conversion", ctx))

	rec, err := products.GetMS("/scratch/g1.ms")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, model.MSConverted, rec.ProcessingStage)
	require.Equal(t, 34.6, rec.PointingDecDeg)
}

func TestMakeProductRecorder_CalibrationApplyUpdatesExistingRow(t *testing.T) {
	products := newTestProductsStore(t)
	recorder := makeProductRecorder(products, nil, false)

	ctx := model.NewPipelineContext("g1")
	ctx.Inputs["ms_path"] = "/scratch/g1.ms"
	ctx.Inputs["ra_deg"] = 120.5
	ctx.Inputs["dec_deg"] = 34.6
	ctx.Inputs["mid_mjd"] = 60100.25
	require.NoError(t, recorder("g1", "conversion", ctx))

	ctx.Inputs["cal_applied"] = true
	ctx.Inputs["calibration_tables"] = []string{"/tables/G0_x.tbl", "/tables/B_x.tbl"}
	require.NoError(t, recorder("g1", "calibration_apply", ctx))

	rec, err := products.GetMS("/scratch/g1.ms")
	require.NoError(t, err)
	require.Equal(t, model.MSCalibrated, rec.ProcessingStage)
	require.True(t, rec.CalApplied)
	require.Equal(t, []string{"/tables/G0_x.tbl", "/tables/B_x.tbl"}, rec.CalibrationTables)
	require.Equal(t, "ok", rec.Status)
	// pointing declination from conversion must survive the calibration_apply upsert.
	require.Equal(t, 34.6, rec.PointingDecDeg)
}

func TestMakeProductRecorder_CalibrationApplyNeedsReviewMarksStatus(t *testing.T) {
	products := newTestProductsStore(t)
	recorder := makeProductRecorder(products, nil, false)

	ctx := model.NewPipelineContext("g1")
	ctx.Inputs["ms_path"] = "/scratch/g1.ms"
	require.NoError(t, recorder("g1", "conversion", ctx))

	ctx.Inputs["cal_applied"] = false
	ctx.Inputs["needs_review"] = true
	require.NoError(t, recorder("g1", "calibration_apply", ctx))

	rec, err := products.GetMS("/scratch/g1.ms")
	require.NoError(t, err)
	require.Equal(t, "needs_review", rec.Status)
	require.False(t, rec.CalApplied)
}

func TestMakeProductRecorder_ImagingRegistersImageAndQAArtifacts(t *testing.T) {
	products := newTestProductsStore(t)
	reg := newTestDataRegistry(t)
	recorder := makeProductRecorder(products, reg, false)

	ctx := model.NewPipelineContext("g1")
	ctx.Inputs["ms_path"] = "/scratch/g1.ms"
	require.NoError(t, recorder("g1", "conversion", ctx))

	ctx.Inputs["image_path"] = "/scratch/g1.image"
	ctx.Inputs["fits_path"] = "/scratch/g1.fits"
	require.NoError(t, recorder("g1", "imaging", ctx))

	rec, err := products.GetMS("/scratch/g1.ms")
	require.NoError(t, err)
	require.Equal(t, model.MSImaged, rec.ProcessingStage)
}

func TestMakeProductRecorder_NoMSPathIsNoop(t *testing.T) {
	products := newTestProductsStore(t)
	recorder := makeProductRecorder(products, nil, false)
	ctx := model.NewPipelineContext("g1")
	require.NoError(t, recorder("g1", "conversion", ctx))
}

func TestFormatTransientAlert_BrighteningMatchesScenarioPhrasing(t *testing.T) {
	c := model.TransientCandidate{
		SourceName: "DSA_TRANSIENT_J1234+5600", DetectionType: model.DetectionBrightening,
		FluxBaselineMJy: 25.0, FluxObsMJy: 50.0, FluxRatio: 2.0, SignificanceSigma: 10.6,
	}
	msg := formatTransientAlert(c)
	require.Contains(t, msg, "brightened from 25.0 to 50.0 mJy")
	require.Contains(t, msg, "2.00")
	require.Contains(t, msg, "10.6")
}

func TestFormatTransientAlert_FadingToZeroReportsDisappearance(t *testing.T) {
	c := model.TransientCandidate{
		SourceName: "DSA_TRANSIENT_J0000+0000", DetectionType: model.DetectionFading,
		FluxBaselineMJy: 40.0, FluxObsMJy: 0,
	}
	msg := formatTransientAlert(c)
	require.Contains(t, msg, "no longer detected")
}

func TestMeanFluxMJy_AveragesPriorEpochsInMJy(t *testing.T) {
	history := []model.PhotometryMeasurement{{FluxJy: 0.010}, {FluxJy: 0.020}}
	require.InDelta(t, 15.0, meanFluxMJy(history), 1e-9)
}
