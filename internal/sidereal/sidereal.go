// Package sidereal computes Greenwich Mean Sidereal Time and meridian
// transit times from first principles, standing in for the CASA/casacore
// sidereal-time routines the calibrator registry treats as an external
// collaborator.
package sidereal

import (
	"math"
	"time"
)

const (
	degPerHour       = 15.0
	hoursPerDay      = 24.0
	julianCenturyDay = 36525.0
)

// JulianDate returns the Julian Date for t (any timezone; converted to UTC).
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	year, month := int(t.Year()), int(t.Month())
	day := float64(t.Day()) + (float64(t.Hour())+float64(t.Minute())/60+float64(t.Second())/3600)/hoursPerDay

	if month <= 2 {
		year--
		month += 12
	}
	a := math.Floor(float64(year) / 100)
	b := 2 - a + math.Floor(a/4)
	jd := math.Floor(365.25*float64(year+4716)) + math.Floor(30.6001*float64(month+1)) + day + b - 1524.5
	return jd
}

// GMSTHours returns Greenwich Mean Sidereal Time, in hours [0,24), for t.
// Uses the Meeus low-precision polynomial (Astronomical Algorithms, ch.12).
func GMSTHours(t time.Time) float64 {
	jd := JulianDate(t)
	tCenturies := (jd - 2451545.0) / julianCenturyDay

	gmstDeg := 280.46061837 +
		360.98564736629*(jd-2451545.0) +
		0.000387933*tCenturies*tCenturies -
		tCenturies*tCenturies*tCenturies/38710000.0

	gmstHours := math.Mod(gmstDeg/degPerHour, hoursPerDay)
	if gmstHours < 0 {
		gmstHours += hoursPerDay
	}
	return gmstHours
}

// LocalSiderealHours returns local mean sidereal time in hours for t
// at the given longitude (degrees east positive).
func LocalSiderealHours(t time.Time, longitudeDeg float64) float64 {
	lst := GMSTHours(t) + longitudeDeg/degPerHour
	lst = math.Mod(lst, hoursPerDay)
	if lst < 0 {
		lst += hoursPerDay
	}
	return lst
}

// NextTransitUTC returns the next UTC time at or after `after` at which a
// source of right ascension raDeg crosses the local meridian at
// longitudeDeg. Declination does not affect transit time and is not a
// parameter.
func NextTransitUTC(after time.Time, raDeg, longitudeDeg float64) time.Time {
	raHours := raDeg / degPerHour
	lstHours := LocalSiderealHours(after, longitudeDeg)

	hourAngleDiff := raHours - lstHours
	for hourAngleDiff < 0 {
		hourAngleDiff += hoursPerDay
	}

	// Sidereal seconds run fast relative to solar seconds; the standard
	// correction factor converts a sidereal-hour gap into solar-seconds.
	const siderealToSolar = 0.9972695663
	solarSeconds := hourAngleDiff * 3600 * siderealToSolar
	return after.Add(time.Duration(solarSeconds * float64(time.Second)))
}

// TransitClock abstracts transit computation so the calibrator acquisition
// logic never computes sidereal time itself.
type TransitClock interface {
	NextTransit(after time.Time, raDeg float64) time.Time
}

// ArrayTransitClock is a TransitClock bound to a fixed observatory
// longitude (DSA-110 at Owens Valley Radio Observatory).
type ArrayTransitClock struct {
	LongitudeDeg float64
}

// NewArrayTransitClock returns a TransitClock for the DSA-110 site.
func NewArrayTransitClock(longitudeDeg float64) ArrayTransitClock {
	return ArrayTransitClock{LongitudeDeg: longitudeDeg}
}

// NextTransit implements TransitClock.
func (c ArrayTransitClock) NextTransit(after time.Time, raDeg float64) time.Time {
	return NextTransitUTC(after, raDeg, c.LongitudeDeg)
}

// TransitDatesInRange returns the (date string "2006-01-02", transit UTC
// time) pairs for every day a source transits within [start, end].
func TransitDatesInRange(clock TransitClock, raDeg float64, start, end time.Time) []TransitDate {
	var out []TransitDate
	cursor := start
	for !cursor.After(end) {
		t := clock.NextTransit(cursor, raDeg)
		if t.After(end) {
			break
		}
		out = append(out, TransitDate{Date: t.UTC().Format("2006-01-02"), TransitUTC: t})
		cursor = t.Add(23 * time.Hour)
	}
	return out
}

// TransitDate pairs a calendar date with the precomputed transit instant.
type TransitDate struct {
	Date       string
	TransitUTC time.Time
}
