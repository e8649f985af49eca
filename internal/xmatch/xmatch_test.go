package xmatch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeparationArcsec_SamePointIsZero(t *testing.T) {
	p := Point{RADeg: 180, DecDeg: 30}
	require.InDelta(t, 0, SeparationArcsec(p, p), 1e-9)
}

func TestSeparationArcsec_KnownOneArcsecOffset(t *testing.T) {
	a := Point{RADeg: 180, DecDeg: 0}
	b := Point{RADeg: 180, DecDeg: 1.0 / 3600.0}
	require.InDelta(t, 1.0, SeparationArcsec(a, b), 1e-3)
}

func TestNearestNeighborMatch_FindsClosestWithinRadius(t *testing.T) {
	detected := []Point{{ID: "d1", RADeg: 180.0, DecDeg: 30.0, FluxJy: 1.0}}
	catalog := []Point{
		{ID: "c1", RADeg: 180.01, DecDeg: 30.0, FluxJy: 0.5},
		{ID: "c2", RADeg: 180.0003, DecDeg: 30.0, FluxJy: 2.0},
	}
	matches := NearestNeighborMatch(detected, catalog, 5.0)
	require.Len(t, matches, 1)
	require.Equal(t, 1, matches[0].CatalogIndex)
	require.True(t, matches[0].HasFluxRatio)
	require.InDelta(t, 0.5, matches[0].FluxRatio, 1e-9)
}

func TestNearestNeighborMatch_NoMatchOutsideRadius(t *testing.T) {
	detected := []Point{{RADeg: 180.0, DecDeg: 30.0}}
	catalog := []Point{{RADeg: 181.0, DecDeg: 30.0}}
	matches := NearestNeighborMatch(detected, catalog, 5.0)
	require.Empty(t, matches)
}

func TestMultiCatalogMatch_PicksSmallestSeparationAcrossCatalogs(t *testing.T) {
	detected := []Point{{RADeg: 180.0, DecDeg: 30.0}}
	catalogs := map[string][]Point{
		"NVSS":  {{RADeg: 180.001, DecDeg: 30.0}},
		"FIRST": {{RADeg: 180.0001, DecDeg: 30.0}},
	}
	matches := MultiCatalogMatch(detected, catalogs, 10.0)
	require.Len(t, matches, 1)
	require.Equal(t, "FIRST", matches[0].CatalogName)
}

func TestMultiCatalogMatch_OmitsUnmatchedDetections(t *testing.T) {
	detected := []Point{{RADeg: 180.0, DecDeg: 30.0}, {RADeg: 90.0, DecDeg: -10.0}}
	catalogs := map[string][]Point{"NVSS": {{RADeg: 180.0001, DecDeg: 30.0}}}
	matches := MultiCatalogMatch(detected, catalogs, 1.0)
	require.Len(t, matches, 1)
	require.Equal(t, 0, matches[0].DetectedIndex)
}

func TestDisjointSet_UnionFindBasic(t *testing.T) {
	ds := NewDisjointSet[string]()
	ds.Add("a")
	ds.Add("b")
	ds.Add("c")
	ds.Union("a", "b")
	require.Equal(t, ds.Find("a"), ds.Find("b"))
	require.NotEqual(t, ds.Find("a"), ds.Find("c"))
	ds.Union("b", "c")
	require.Equal(t, ds.Find("a"), ds.Find("c"))
}

func TestDeduplicateAcrossCatalogs_MergesWithinRadiusAndPicksPriorityMaster(t *testing.T) {
	entries := []CatalogEntry{
		{Catalog: "RACS", SourceID: "r1", Point: Point{RADeg: 180.0, DecDeg: 30.0}},
		{Catalog: "NVSS", SourceID: "n1", Point: Point{RADeg: 180.0001, DecDeg: 30.0}},
		{Catalog: "FIRST", SourceID: "f1", Point: Point{RADeg: 180.0002, DecDeg: 30.0}},
	}
	mapping := DeduplicateAcrossCatalogs(entries, 2.0)
	require.Equal(t, "NVSS:n1", mapping["RACS:r1"])
	require.Equal(t, "NVSS:n1", mapping["NVSS:n1"])
	require.Equal(t, "NVSS:n1", mapping["FIRST:f1"])
}

func TestDeduplicateAcrossCatalogs_SeparateClustersStayDistinct(t *testing.T) {
	entries := []CatalogEntry{
		{Catalog: "NVSS", SourceID: "n1", Point: Point{RADeg: 10.0, DecDeg: 0.0}},
		{Catalog: "NVSS", SourceID: "n2", Point: Point{RADeg: 200.0, DecDeg: 0.0}},
	}
	mapping := DeduplicateAcrossCatalogs(entries, 2.0)
	require.Equal(t, "NVSS:n1", mapping["NVSS:n1"])
	require.Equal(t, "NVSS:n2", mapping["NVSS:n2"])
}

func TestDeduplicateAcrossCatalogs_TransitiveClosure(t *testing.T) {
	// a-b within radius, b-c within radius, a-c just outside: still one cluster.
	entries := []CatalogEntry{
		{Catalog: "NVSS", SourceID: "a", Point: Point{RADeg: 180.0, DecDeg: 30.0}},
		{Catalog: "FIRST", SourceID: "b", Point: Point{RADeg: 180.0005, DecDeg: 30.0}},
		{Catalog: "RACS", SourceID: "c", Point: Point{RADeg: 180.001, DecDeg: 30.0}},
	}
	mapping := DeduplicateAcrossCatalogs(entries, 2.0)
	require.Equal(t, mapping["NVSS:a"], mapping["FIRST:b"])
	require.Equal(t, mapping["FIRST:b"], mapping["RACS:c"])
}

func TestComputeBulkStats_MedianOffsetsAndFluxCorrection(t *testing.T) {
	matches := []Match{
		{DRAArcsec: 1.0, DDecArcsec: -1.0, FluxRatio: 1.1, HasFluxRatio: true},
		{DRAArcsec: 2.0, DDecArcsec: -2.0, FluxRatio: 1.2, HasFluxRatio: true},
		{DRAArcsec: 3.0, DDecArcsec: -3.0, FluxRatio: 1.3, HasFluxRatio: true},
	}
	stats := ComputeBulkStats(matches)
	require.InDelta(t, 2.0, stats.MedianDRAArcsec, 1e-9)
	require.InDelta(t, -2.0, stats.MedianDDecArcsec, 1e-9)
	require.InDelta(t, 1.2, stats.FluxScaleCorrection, 1e-9)
	require.Equal(t, 3, stats.NFluxRatios)
}

func TestComputeBulkStats_ExcludesInvalidFluxRatios(t *testing.T) {
	matches := []Match{
		{DRAArcsec: 1.0, DDecArcsec: 1.0, HasFluxRatio: false},
		{DRAArcsec: 1.0, DDecArcsec: 1.0, FluxRatio: math.Inf(1), HasFluxRatio: true},
		{DRAArcsec: 1.0, DDecArcsec: 1.0, FluxRatio: 0.9, HasFluxRatio: true},
	}
	stats := ComputeBulkStats(matches)
	require.Equal(t, 1, stats.NFluxRatios)
	require.InDelta(t, 0.9, stats.FluxScaleCorrection, 1e-9)
}

func TestComputeBulkStats_EmptyInput(t *testing.T) {
	stats := ComputeBulkStats(nil)
	require.Equal(t, 0.0, stats.MedianDRAArcsec)
	require.Equal(t, 0, stats.NFluxRatios)
}
