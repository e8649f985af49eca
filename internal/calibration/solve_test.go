package calibration

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
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

type fakeFlagger struct{ err error }

func (f fakeFlagger) FlagAutocorrelationsAndRFI(msPath string) error { return f.err }

type fakePhaseshifter struct {
	shiftedPath string
	err         error
}

func (f fakePhaseshifter) Phaseshift(msPath string, center PhaseCenter) (string, error) {
	return f.shiftedPath, f.err
}

type fakeModelPopulator struct {
	maxAmp float64
	err    error
}

func (f fakeModelPopulator) PopulateModel(msPath string, calibratorFluxJy float64) (float64, error) {
	return f.maxAmp, f.err
}

type fakeSolver struct {
	phaseTable, bpTable, gainTable string
	err                            error
}

func (f fakeSolver) SolvePreBandpassPhase(msPath string, refants []int) (string, error) {
	return f.phaseTable, f.err
}

func (f fakeSolver) SolveBandpass(msPath string, refants []int, gaintables []string, minSNR float64) (string, error) {
	return f.bpTable, f.err
}

func (f fakeSolver) SolveGain(msPath string, refants []int, gaintables []string, solintSeconds, minSNR float64) (string, error) {
	return f.gainTable, f.err
}

type fakeInspector struct {
	flaggedFraction map[string]float64
	minSNR          map[string]float64
}

func (f fakeInspector) FlaggedFraction(tablePath string) (float64, error) {
	return f.flaggedFraction[tablePath], nil
}

func (f fakeInspector) MinSNRAchieved(tablePath string) (float64, error) {
	return f.minSNR[tablePath], nil
}

func (f fakeInspector) PerAntennaFlaggedFraction(tablePath string) ([]AntennaHealth, error) {
	return nil, nil
}

func newHealthySolveStage(products *db.ProductsStore) *SolveStage {
	s := NewSolveStage(
		fakeFlagger{},
		fakePhaseshifter{shiftedPath: "/scratch/cal_shifted.ms"},
		fakeModelPopulator{maxAmp: 2.5},
		fakeSolver{phaseTable: "/cal/obs.g0", bpTable: "/cal/obs.bcal", gainTable: "/cal/obs.gcal"},
		fakeInspector{
			flaggedFraction: map[string]float64{"/cal/obs.g0": 0.05, "/cal/obs.bcal": 0.1, "/cal/obs.gcal": 0.05},
			minSNR:          map[string]float64{"/cal/obs.g0": 10, "/cal/obs.bcal": 12, "/cal/obs.gcal": 11},
		},
		products,
	)
	s.Now = func() time.Time { return time.Unix(0, 0) }
	return s
}

func baseSolveCtx() *model.PipelineContext {
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["ms_path"] = "/data/obs.ms"
	ctx.Inputs["is_calibrator"] = true
	ctx.Inputs["calibrator_name"] = "3C286"
	ctx.Inputs["calibrator_flux_jy"] = 14.7
	ctx.Inputs["calibrator_ra_deg"] = 202.78
	ctx.Inputs["calibrator_dec_deg"] = 30.5
	return ctx
}

func TestSolveStage_Validate_RequiresCalibrator(t *testing.T) {
	s := newHealthySolveStage(newTestProductsStore(t))
	ctx := model.NewPipelineContext("job1")
	ctx.Inputs["ms_path"] = "/data/obs.ms"
	ctx.Inputs["is_calibrator"] = false
	ok, reason := s.Validate(ctx)
	require.False(t, ok)
	require.Contains(t, reason, "calibrator")
}

func TestSolveStage_Execute_Success(t *testing.T) {
	products := newTestProductsStore(t)
	s := newHealthySolveStage(products)
	ctx := baseSolveCtx()

	out, err := s.Execute(ctx)
	require.NoError(t, err)
	tables := out.Outputs["calibration_tables"].([]string)
	require.Equal(t, []string{"/cal/obs.g0", "/cal/obs.bcal", "/cal/obs.gcal"}, tables)
}

func TestSolveStage_Execute_ZeroModelAmplitudeFails(t *testing.T) {
	products := newTestProductsStore(t)
	s := newHealthySolveStage(products)
	s.ModelPopulator = fakeModelPopulator{maxAmp: 0}
	ctx := baseSolveCtx()

	_, err := s.Execute(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, pipelineerr.ErrCalibration)
}

func TestSolveStage_Execute_AllFlaggedTableFails(t *testing.T) {
	products := newTestProductsStore(t)
	s := newHealthySolveStage(products)
	s.Inspector = fakeInspector{
		flaggedFraction: map[string]float64{"/cal/obs.g0": 0.05, "/cal/obs.bcal": 1.0, "/cal/obs.gcal": 0.05},
		minSNR:          map[string]float64{"/cal/obs.g0": 10, "/cal/obs.bcal": 0, "/cal/obs.gcal": 11},
	}
	ctx := baseSolveCtx()

	_, err := s.Execute(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, pipelineerr.ErrCalibration)
}

func TestSolveStage_Execute_WarnOnHeavilyFlaggedButNotFatal(t *testing.T) {
	products := newTestProductsStore(t)
	s := newHealthySolveStage(products)
	s.Inspector = fakeInspector{
		flaggedFraction: map[string]float64{"/cal/obs.g0": 0.05, "/cal/obs.bcal": 0.6, "/cal/obs.gcal": 0.05},
		minSNR:          map[string]float64{"/cal/obs.g0": 10, "/cal/obs.bcal": 4, "/cal/obs.gcal": 11},
	}
	ctx := baseSolveCtx()

	out, err := s.Execute(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, out.Outputs["calibration_tables"])
}

func TestSolveStage_Execute_FlaggerError(t *testing.T) {
	products := newTestProductsStore(t)
	s := newHealthySolveStage(products)
	s.Flagger = fakeFlagger{err: errors.New("aoflagger crashed")}
	ctx := baseSolveCtx()

	_, err := s.Execute(ctx)
	require.Error(t, err)
}

func TestRecommendRefantsFromContext_UsesSuppliedFlagFractions(t *testing.T) {
	products := newTestProductsStore(t)
	s := newHealthySolveStage(products)
	ctx := baseSolveCtx()
	ctx.Inputs["antenna_flag_fraction"] = map[string]float64{"104": 0.8, "105": 0.05}

	refants := s.recommendRefants(ctx, "/data/obs.ms")
	require.Contains(t, refants, 105)
	require.NotContains(t, refants, 104)
}
