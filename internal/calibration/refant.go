package calibration

import "sort"

// OutriggerAntennaIDs are the DSA-110 outrigger antennas (103-117), which
// provide the long baselines calibration solves need for a healthy
// reference antenna.
var OutriggerAntennaIDs = []int{103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114, 115, 116, 117}

// DefaultOutriggerPriority is the fixed eastern-first, northern-next,
// peripheral-last fallback chain used when no prior calibration table is
// available to inform antenna health.
var DefaultOutriggerPriority = []int{
	104, 105, 106, 107, 108, // eastern
	109, 110, 111, 112, 113, // northern
	114, 115, 116, 103, 117, // peripheral
}

// AntennaHealth is one antenna's flagged-fraction observation from the most
// recent calibration table inspection.
type AntennaHealth struct {
	AntennaID       int
	FlaggedFraction float64
}

// HealthStatus classifies a flagged fraction into excellent/good/fair/poor.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthFair      HealthStatus = "fair"
	HealthPoor      HealthStatus = "poor"
)

// Classify maps a flagged fraction to a HealthStatus per the excellent<10%,
// good<30%, fair<50% thresholds; anything at or above 50% is poor.
func Classify(flaggedFraction float64) HealthStatus {
	switch {
	case flaggedFraction < 0.1:
		return HealthExcellent
	case flaggedFraction < 0.3:
		return HealthGood
	case flaggedFraction < 0.5:
		return HealthFair
	default:
		return HealthPoor
	}
}

// RecommendRefants returns the top-5 healthiest outrigger antennas in
// priority order, usable as a solver's refant chain. When health is nil or
// contains no outrigger entries, it returns DefaultOutriggerPriority
// unchanged. Antennas at or above a 50% flagged fraction are excluded
// entirely; the remainder are ranked first by flagged fraction (lower is
// better), ties broken by the default priority order.
func RecommendRefants(health []AntennaHealth) []int {
	if len(health) == 0 {
		return append([]int(nil), DefaultOutriggerPriority...)
	}

	byID := make(map[int]float64, len(health))
	for _, h := range health {
		byID[h.AntennaID] = h.FlaggedFraction
	}

	priorityRank := make(map[int]int, len(DefaultOutriggerPriority))
	for i, id := range DefaultOutriggerPriority {
		priorityRank[id] = i
	}

	type candidate struct {
		id   int
		frac float64
		rank int
	}
	var healthy []candidate
	for _, id := range OutriggerAntennaIDs {
		frac, observed := byID[id]
		if !observed {
			continue
		}
		if frac >= 0.5 {
			continue
		}
		rank, known := priorityRank[id]
		if !known {
			rank = len(DefaultOutriggerPriority)
		}
		healthy = append(healthy, candidate{id: id, frac: frac, rank: rank})
	}

	if len(healthy) == 0 {
		return append([]int(nil), DefaultOutriggerPriority...)
	}

	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].frac != healthy[j].frac {
			return healthy[i].frac < healthy[j].frac
		}
		return healthy[i].rank < healthy[j].rank
	})

	n := 5
	if len(healthy) < n {
		n = len(healthy)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = healthy[i].id
	}
	return out
}
