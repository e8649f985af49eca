package calibration

import "testing"

func equalIntSlices(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRecommendRefants_NoHealthReturnsDefault(t *testing.T) {
	got := RecommendRefants(nil)
	if !equalIntSlices(got, DefaultOutriggerPriority) {
		t.Fatalf("got %v, want default priority", got)
	}
}

func TestRecommendRefants_RanksByFlaggedFraction(t *testing.T) {
	health := []AntennaHealth{
		{AntennaID: 104, FlaggedFraction: 0.4},
		{AntennaID: 105, FlaggedFraction: 0.02},
		{AntennaID: 106, FlaggedFraction: 0.15},
	}
	got := RecommendRefants(health)
	want := []int{105, 106, 104}
	if !equalIntSlices(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRecommendRefants_ExcludesPoorAntennas(t *testing.T) {
	health := []AntennaHealth{
		{AntennaID: 104, FlaggedFraction: 0.9},
		{AntennaID: 105, FlaggedFraction: 0.1},
	}
	got := RecommendRefants(health)
	for _, id := range got {
		if id == 104 {
			t.Fatalf("expected antenna 104 excluded, got %v", got)
		}
	}
}

func TestRecommendRefants_CapsAtFive(t *testing.T) {
	health := []AntennaHealth{}
	for _, id := range OutriggerAntennaIDs {
		health = append(health, AntennaHealth{AntennaID: id, FlaggedFraction: 0.05})
	}
	got := RecommendRefants(health)
	if len(got) != 5 {
		t.Fatalf("got %d antennas, want 5", len(got))
	}
}

func TestRecommendRefants_AllUnhealthyFallsBackToDefault(t *testing.T) {
	health := []AntennaHealth{
		{AntennaID: 104, FlaggedFraction: 0.9},
		{AntennaID: 105, FlaggedFraction: 0.95},
	}
	got := RecommendRefants(health)
	if !equalIntSlices(got, DefaultOutriggerPriority) {
		t.Fatalf("got %v, want default priority", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		frac float64
		want HealthStatus
	}{
		{0.05, HealthExcellent},
		{0.2, HealthGood},
		{0.45, HealthFair},
		{0.6, HealthPoor},
	}
	for _, c := range cases {
		if got := Classify(c.frac); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.frac, got, c.want)
		}
	}
}
