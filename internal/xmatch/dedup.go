package xmatch

import "sort"

// DisjointSet is a generic union-find over comparable keys, used to merge
// catalog entries that a pairwise radius match has linked transitively.
type DisjointSet[K comparable] struct {
	parent map[K]K
}

// NewDisjointSet returns an empty DisjointSet.
func NewDisjointSet[K comparable]() *DisjointSet[K] {
	return &DisjointSet[K]{parent: make(map[K]K)}
}

// Add registers k as its own set if it is not already known.
func (d *DisjointSet[K]) Add(k K) {
	if _, ok := d.parent[k]; !ok {
		d.parent[k] = k
	}
}

// Find returns the representative of k's set, path-compressing along the
// way. k must have been added first.
func (d *DisjointSet[K]) Find(k K) K {
	root := k
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for d.parent[k] != root {
		d.parent[k], k = root, d.parent[k]
	}
	return root
}

// Union merges the sets containing a and b.
func (d *DisjointSet[K]) Union(a, b K) {
	d.Add(a)
	d.Add(b)
	ra, rb := d.Find(a), d.Find(b)
	if ra != rb {
		d.parent[ra] = rb
	}
}

// CatalogEntry identifies one source within a specific catalog.
type CatalogEntry struct {
	Catalog  string
	SourceID string
	Point    Point
}

// key builds the "<catalog>:<source_id>" identifier used as the DisjointSet
// key and as the external-facing mapping key/value.
func (e CatalogEntry) key() string { return e.Catalog + ":" + e.SourceID }

// DefaultCatalogPriority orders catalogs by preference when choosing which
// duplicate entry becomes the master: NVSS is the deepest, most uniform
// survey in the corpus, FIRST next, RACS last.
var DefaultCatalogPriority = map[string]int{
	"NVSS":  0,
	"FIRST": 1,
	"RACS":  2,
}

// DeduplicateAcrossCatalogs unions every pair of entries within radiusArcsec
// of each other, iterated to a transitive closure via the union-find, then
// returns a mapping from every entry's "<catalog>:<source_id>" key to its
// cluster's master "<catalog>:<source_id>" key. The master of a cluster is
// the entry from the highest-priority catalog (lowest DefaultCatalogPriority
// value; unlisted catalogs sort last), ties broken by source ID.
func DeduplicateAcrossCatalogs(entries []CatalogEntry, radiusArcsec float64) map[string]string {
	ds := NewDisjointSet[string]()
	for _, e := range entries {
		ds.Add(e.key())
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if SeparationArcsec(entries[i].Point, entries[j].Point) <= radiusArcsec {
				ds.Union(entries[i].key(), entries[j].key())
			}
		}
	}

	byRoot := make(map[string][]CatalogEntry)
	for _, e := range entries {
		root := ds.Find(e.key())
		byRoot[root] = append(byRoot[root], e)
	}

	out := make(map[string]string, len(entries))
	for _, cluster := range byRoot {
		master := masterOf(cluster)
		for _, e := range cluster {
			out[e.key()] = master.key()
		}
	}
	return out
}

func masterOf(cluster []CatalogEntry) CatalogEntry {
	sorted := make([]CatalogEntry, len(cluster))
	copy(sorted, cluster)
	sort.Slice(sorted, func(i, j int) bool {
		pi, pj := catalogPriority(sorted[i].Catalog), catalogPriority(sorted[j].Catalog)
		if pi != pj {
			return pi < pj
		}
		return sorted[i].SourceID < sorted[j].SourceID
	})
	return sorted[0]
}

func catalogPriority(catalog string) int {
	if p, ok := DefaultCatalogPriority[catalog]; ok {
		return p
	}
	return len(DefaultCatalogPriority)
}
