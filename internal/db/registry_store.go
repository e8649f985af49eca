package db

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

// RegistryStore backs the calibrator registry database: registrations,
// pre-built calibrator sources, and the blacklist.
type RegistryStore struct {
	db *sql.DB
}

// NewRegistryStore wraps an already-opened, already-migrated DB.
func NewRegistryStore(conn *DB) *RegistryStore {
	return &RegistryStore{db: conn.DB}
}

// FindRegistrationCovering returns the registration (if any) whose
// declination range covers d.
func (s *RegistryStore) FindRegistrationCovering(d float64) (*model.CalibratorRegistration, error) {
	row := s.db.QueryRow(`
		SELECT calibrator_name, ra_deg, dec_deg, dec_range_min, dec_range_max, status, registered_by, notes
		FROM calibrator_registrations
		WHERE dec_range_min <= ? AND dec_range_max >= ? AND status = 'active'
		LIMIT 1
	`, d, d)
	var r model.CalibratorRegistration
	if err := row.Scan(&r.CalibratorName, &r.RADeg, &r.DecDeg, &r.DecRangeMin, &r.DecRangeMax, &r.Status, &r.RegisteredBy, &r.Notes); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find registration covering %v: %w", d, err)
	}
	return &r, nil
}

// UpsertRegistration inserts or replaces a calibrator registration.
func (s *RegistryStore) UpsertRegistration(r model.CalibratorRegistration) error {
	_, err := s.db.Exec(`
		INSERT INTO calibrator_registrations
			(calibrator_name, ra_deg, dec_deg, dec_range_min, dec_range_max, status, registered_by, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(calibrator_name) DO UPDATE SET
			ra_deg=excluded.ra_deg, dec_deg=excluded.dec_deg,
			dec_range_min=excluded.dec_range_min, dec_range_max=excluded.dec_range_max,
			status=excluded.status, registered_by=excluded.registered_by, notes=excluded.notes
	`, r.CalibratorName, r.RADeg, r.DecDeg, r.DecRangeMin, r.DecRangeMax, r.Status, r.RegisteredBy, r.Notes)
	if err != nil {
		return fmt.Errorf("upsert registration %s: %w", r.CalibratorName, err)
	}
	return nil
}

// BestSourceInStrip returns the highest-quality-score, non-blacklisted
// source within toleranceDeg of decStrip's declination, or nil if none
// qualifies.
func (s *RegistryStore) BestSourceInStrip(decStrip string, dNew, toleranceDeg float64) (*model.CalibratorSource, error) {
	rows, err := s.db.Query(`
		SELECT source_name, ra_deg, dec_deg, flux_1400mhz_jy, spectral_index, catalog_source,
		       dec_strip, pb_weight, compactness_score, variability_flag, quality_score,
		       last_used_at, use_count
		FROM calibrator_sources
		WHERE dec_strip = ?
		ORDER BY quality_score DESC
	`, decStrip)
	if err != nil {
		return nil, fmt.Errorf("query sources in strip %s: %w", decStrip, err)
	}
	defer rows.Close()

	for rows.Next() {
		src, err := scanCalibratorSource(rows)
		if err != nil {
			return nil, err
		}
		if math.Abs(src.DecDeg-dNew) > toleranceDeg {
			continue
		}
		blacklisted, err := s.IsBlacklisted(src.SourceName, src.RADeg, src.DecDeg)
		if err != nil {
			return nil, err
		}
		if blacklisted {
			continue
		}
		return &src, nil
	}
	return nil, rows.Err()
}

func scanCalibratorSource(rows *sql.Rows) (model.CalibratorSource, error) {
	var src model.CalibratorSource
	var spectralIndex, compactness sql.NullFloat64
	var lastUsedUnix sql.NullInt64
	var variabilityFlag int
	if err := rows.Scan(&src.SourceName, &src.RADeg, &src.DecDeg, &src.Flux1400MHzJy, &spectralIndex,
		&src.CatalogSource, &src.DecStrip, &src.PBWeight, &compactness, &variabilityFlag,
		&src.QualityScore, &lastUsedUnix, &src.UseCount); err != nil {
		return src, fmt.Errorf("scan calibrator source: %w", err)
	}
	if spectralIndex.Valid {
		v := spectralIndex.Float64
		src.SpectralIndex = &v
	}
	if compactness.Valid {
		v := compactness.Float64
		src.CompactnessScore = &v
	}
	src.VariabilityFlag = variabilityFlag != 0
	if lastUsedUnix.Valid {
		t := time.Unix(lastUsedUnix.Int64, 0).UTC()
		src.LastUsedAt = &t
	}
	return src, nil
}

// UpsertSource inserts or replaces a calibrator source in the registry.
func (s *RegistryStore) UpsertSource(src model.CalibratorSource) error {
	var lastUsed any
	if src.LastUsedAt != nil {
		lastUsed = src.LastUsedAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO calibrator_sources
			(source_name, ra_deg, dec_deg, flux_1400mhz_jy, spectral_index, catalog_source,
			 dec_strip, pb_weight, compactness_score, variability_flag, quality_score,
			 last_used_at, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET
			ra_deg=excluded.ra_deg, dec_deg=excluded.dec_deg, flux_1400mhz_jy=excluded.flux_1400mhz_jy,
			spectral_index=excluded.spectral_index, catalog_source=excluded.catalog_source,
			dec_strip=excluded.dec_strip, pb_weight=excluded.pb_weight,
			compactness_score=excluded.compactness_score, variability_flag=excluded.variability_flag,
			quality_score=excluded.quality_score, last_used_at=excluded.last_used_at, use_count=excluded.use_count
	`, src.SourceName, src.RADeg, src.DecDeg, src.Flux1400MHzJy, src.SpectralIndex, src.CatalogSource,
		src.DecStrip, src.PBWeight, src.CompactnessScore, boolToInt(src.VariabilityFlag), src.QualityScore,
		lastUsed, src.UseCount)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.SourceName, err)
	}
	return nil
}

// RecordUse bumps a source's use_count and last_used_at, so future
// tie-breaking can prefer calibrators with a track record.
func (s *RegistryStore) RecordUse(sourceName string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE calibrator_sources SET use_count = use_count + 1, last_used_at = ?
		WHERE source_name = ?
	`, at.Unix(), sourceName)
	if err != nil {
		return fmt.Errorf("record use of %s: %w", sourceName, err)
	}
	return nil
}

// IsBlacklisted checks blacklist membership by name first, then by a fixed
// 0.01° coordinate cone around each blacklisted position.
func (s *RegistryStore) IsBlacklisted(name string, ra, dec float64) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM calibrator_blacklist WHERE source_name = ?`, name).Scan(&count); err != nil {
		return false, fmt.Errorf("blacklist name lookup: %w", err)
	}
	if count > 0 {
		return true, nil
	}

	const coneRadiusDeg = 0.01
	rows, err := s.db.Query(`SELECT ra_deg, dec_deg FROM calibrator_blacklist WHERE ra_deg IS NOT NULL AND dec_deg IS NOT NULL`)
	if err != nil {
		return false, fmt.Errorf("blacklist cone lookup: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bra, bdec float64
		if err := rows.Scan(&bra, &bdec); err != nil {
			return false, err
		}
		if math.Hypot(ra-bra, dec-bdec) <= coneRadiusDeg {
			return true, nil
		}
	}
	return false, rows.Err()
}

// RecordTransit persists a precomputed meridian-transit time for a
// (calibrator_name, date) key.
func (s *RegistryStore) RecordTransit(calibratorName, date string, transitUTC time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO calibrator_transits (calibrator_name, date, transit_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(calibrator_name, date) DO UPDATE SET transit_utc = excluded.transit_utc
	`, calibratorName, date, transitUTC.Unix())
	if err != nil {
		return fmt.Errorf("record transit %s/%s: %w", calibratorName, date, err)
	}
	return nil
}

// Transit looks up a previously recorded transit time.
func (s *RegistryStore) Transit(calibratorName, date string) (time.Time, bool, error) {
	var unix int64
	err := s.db.QueryRow(`
		SELECT transit_utc FROM calibrator_transits WHERE calibrator_name = ? AND date = ?
	`, calibratorName, date).Scan(&unix)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup transit %s/%s: %w", calibratorName, date, err)
	}
	return time.Unix(unix, 0).UTC(), true, nil
}
