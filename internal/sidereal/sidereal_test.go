package sidereal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGMSTHours_KnownEpoch(t *testing.T) {
	// 2000-01-01 12:00 UTC (J2000.0) has GMST of approximately 18h41m.
	t0 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	gmst := GMSTHours(t0)
	assert.InDelta(t, 18.697, gmst, 0.01)
}

func TestGMSTHours_InRange(t *testing.T) {
	for i := 0; i < 24; i++ {
		tt := time.Date(2025, 6, 1, i, 0, 0, 0, time.UTC)
		gmst := GMSTHours(tt)
		require.GreaterOrEqual(t, gmst, 0.0)
		require.Less(t, gmst, 24.0)
	}
}

func TestNextTransitUTC_IsInFuture(t *testing.T) {
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	transit := NextTransitUTC(after, 180.0, -118.28)
	assert.True(t, transit.After(after))
	assert.Less(t, transit.Sub(after), 24*time.Hour+time.Minute)
}

func TestNextTransitUTC_RecedesCorrectlyWithRA(t *testing.T) {
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 := NextTransitUTC(after, 10.0, 0)
	t2 := NextTransitUTC(after, 190.0, 0)
	assert.True(t, t2.After(t1))
}

func TestTransitDatesInRange_CoversWindow(t *testing.T) {
	clock := NewArrayTransitClock(-118.28)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(5 * 24 * time.Hour)

	dates := TransitDatesInRange(clock, 180.0, start, end)
	require.NotEmpty(t, dates)
	for _, d := range dates {
		assert.False(t, d.TransitUTC.Before(start))
		assert.False(t, d.TransitUTC.After(end))
	}
	for i := 1; i < len(dates); i++ {
		gap := dates[i].TransitUTC.Sub(dates[i-1].TransitUTC)
		assert.InDelta(t, 23*time.Hour+56*time.Minute, gap, float64(5*time.Minute))
	}
}
