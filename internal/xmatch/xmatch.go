// Package xmatch implements sky-coordinate cross-matching: nearest-neighbor
// join between a detected-source list and one or more reference catalogs,
// multi-catalog matching, and union-find deduplication across catalogs that
// cover the same sky source.
package xmatch

import "math"

// ArcsecPerDeg converts degrees to arcseconds.
const ArcsecPerDeg = 3600.0

// Point is one (RA, Dec) sky position in degrees, with an optional flux.
type Point struct {
	ID     string
	RADeg  float64
	DecDeg float64
	FluxJy float64
}

// Match is one nearest-neighbor pairing between a detected source and a
// catalog entry.
type Match struct {
	DetectedIndex   int
	CatalogIndex    int
	SeparationArcsec float64
	DRAArcsec       float64
	DDecArcsec      float64
	FluxRatio       float64
	HasFluxRatio    bool
}

// SeparationArcsec returns the angular separation between a and b, in
// arcseconds, using the haversine formula (adequate for the sub-degree
// separations this pipeline ever matches against).
func SeparationArcsec(a, b Point) float64 {
	lat1 := a.DecDeg * math.Pi / 180.0
	lat2 := b.DecDeg * math.Pi / 180.0
	dLat := (b.DecDeg - a.DecDeg) * math.Pi / 180.0
	dLon := (b.RADeg - a.RADeg) * math.Pi / 180.0

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)
	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return c * 180.0 / math.Pi * ArcsecPerDeg
}

// NearestNeighborMatch finds, for every point in detected, the nearest
// point in catalog within radiusArcsec. Points with no catalog entry
// within radius are omitted from the result.
func NearestNeighborMatch(detected, catalog []Point, radiusArcsec float64) []Match {
	var matches []Match
	for di, d := range detected {
		bestCi := -1
		bestSep := math.Inf(1)
		for ci, c := range catalog {
			sep := SeparationArcsec(d, c)
			if sep < bestSep {
				bestSep, bestCi = sep, ci
			}
		}
		if bestCi == -1 || bestSep > radiusArcsec {
			continue
		}
		c := catalog[bestCi]
		m := Match{
			DetectedIndex:    di,
			CatalogIndex:     bestCi,
			SeparationArcsec: bestSep,
			DRAArcsec:        (d.RADeg - c.RADeg) * math.Cos(d.DecDeg*math.Pi/180.0) * ArcsecPerDeg,
			DDecArcsec:       (d.DecDeg - c.DecDeg) * ArcsecPerDeg,
		}
		if c.FluxJy > 0 {
			m.FluxRatio = d.FluxJy / c.FluxJy
			m.HasFluxRatio = true
		}
		matches = append(matches, m)
	}
	return matches
}

// CatalogMatch is the outcome of matching one detected source against
// several named catalogs and keeping the closest.
type CatalogMatch struct {
	DetectedIndex    int
	CatalogName      string
	CatalogIndex     int
	SeparationArcsec float64
}

// MultiCatalogMatch matches each detected point against every named
// catalog and keeps, per detected point, the single closest match across
// all catalogs combined. A detected point with no match within radius in
// any catalog is omitted.
func MultiCatalogMatch(detected []Point, catalogs map[string][]Point, radiusArcsec float64) []CatalogMatch {
	best := make(map[int]CatalogMatch)
	for name, catalog := range catalogs {
		for _, m := range NearestNeighborMatch(detected, catalog, radiusArcsec) {
			cur, ok := best[m.DetectedIndex]
			if !ok || m.SeparationArcsec < cur.SeparationArcsec {
				best[m.DetectedIndex] = CatalogMatch{
					DetectedIndex:    m.DetectedIndex,
					CatalogName:      name,
					CatalogIndex:     m.CatalogIndex,
					SeparationArcsec: m.SeparationArcsec,
				}
			}
		}
	}
	out := make([]CatalogMatch, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	return out
}
