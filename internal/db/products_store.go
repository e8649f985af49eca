package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

// ProductsStore backs the MS index, QA artifacts, calibration QA,
// mosaic groups, photometry, and transient tables.
type ProductsStore struct {
	db *sql.DB
}

// NewProductsStore wraps an already-opened, already-migrated DB.
func NewProductsStore(conn *DB) *ProductsStore {
	return &ProductsStore{db: conn.DB}
}

// UpsertMS inserts or replaces one MS's metadata row.
func (s *ProductsStore) UpsertMS(rec model.MSRecord) error {
	qaJSON, err := json.Marshal(rec.QAMetrics)
	if err != nil {
		return fmt.Errorf("marshal qa metrics: %w", err)
	}
	flagJSON, err := json.Marshal(rec.AntennaFlagFraction)
	if err != nil {
		return fmt.Errorf("marshal antenna flag fraction: %w", err)
	}
	now := time.Now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO ms_index
			(path, midpoint_mjd, pointing_ra_deg, pointing_dec_deg, processing_stage, status,
			 cal_applied, calibration_tables, qa_metrics_json, antenna_flag_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			midpoint_mjd=excluded.midpoint_mjd, pointing_ra_deg=excluded.pointing_ra_deg,
			pointing_dec_deg=excluded.pointing_dec_deg, processing_stage=excluded.processing_stage,
			status=excluded.status, cal_applied=excluded.cal_applied,
			calibration_tables=excluded.calibration_tables, qa_metrics_json=excluded.qa_metrics_json,
			antenna_flag_json=excluded.antenna_flag_json, updated_at=excluded.updated_at
	`, rec.Path, rec.MidpointMJD, rec.PointingRADeg, rec.PointingDecDeg, string(rec.ProcessingStage), rec.Status,
		boolToInt(rec.CalApplied), strings.Join(rec.CalibrationTables, ","), string(qaJSON), string(flagJSON),
		createdAt.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert ms %s: %w", rec.Path, err)
	}
	return nil
}

// GetMS fetches one MS record by path.
func (s *ProductsStore) GetMS(path string) (*model.MSRecord, error) {
	row := s.db.QueryRow(`
		SELECT path, midpoint_mjd, pointing_ra_deg, pointing_dec_deg, processing_stage, status,
		       cal_applied, calibration_tables, qa_metrics_json, antenna_flag_json, created_at, updated_at
		FROM ms_index WHERE path = ?
	`, path)
	rec, err := scanMSRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ms %s: %w", path, err)
	}
	return rec, nil
}

// ImagedMSesInWindow returns MSes whose processing_stage is "imaged" and
// whose midpoint falls within [startMJD, endMJD], ordered by midtime, for
// the mosaic trigger's sliding-window scan.
func (s *ProductsStore) ImagedMSesInWindow(startMJD, endMJD float64) ([]model.MSRecord, error) {
	rows, err := s.db.Query(`
		SELECT path, midpoint_mjd, pointing_ra_deg, pointing_dec_deg, processing_stage, status,
		       cal_applied, calibration_tables, qa_metrics_json, antenna_flag_json, created_at, updated_at
		FROM ms_index
		WHERE processing_stage = ? AND midpoint_mjd BETWEEN ? AND ?
		ORDER BY midpoint_mjd
	`, model.MSImaged, startMJD, endMJD)
	if err != nil {
		return nil, fmt.Errorf("imaged MSes in window: %w", err)
	}
	defer rows.Close()
	var out []model.MSRecord
	for rows.Next() {
		rec, err := scanMSRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMSRecord(row rowScanner) (*model.MSRecord, error) {
	var rec model.MSRecord
	var calApplied int
	var tables, qaJSON, flagJSON string
	var stage string
	var createdUnix, updatedUnix int64
	if err := row.Scan(&rec.Path, &rec.MidpointMJD, &rec.PointingRADeg, &rec.PointingDecDeg, &stage, &rec.Status,
		&calApplied, &tables, &qaJSON, &flagJSON, &createdUnix, &updatedUnix); err != nil {
		return nil, err
	}
	rec.ProcessingStage = model.MSProcessingStage(stage)
	rec.CalApplied = calApplied != 0
	if tables != "" {
		rec.CalibrationTables = strings.Split(tables, ",")
	}
	if qaJSON != "" {
		_ = json.Unmarshal([]byte(qaJSON), &rec.QAMetrics)
	}
	if flagJSON != "" {
		_ = json.Unmarshal([]byte(flagJSON), &rec.AntennaFlagFraction)
	}
	rec.CreatedAt = time.Unix(createdUnix, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return &rec, nil
}

// RecordCalibrationQA persists one calibration table's QA metrics,
// independent of the pass/warn/fail verdict already logged.
func (s *ProductsStore) RecordCalibrationQA(tablePath, tableType string, flaggedFraction, minSNR float64, verdict string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO calibration_qa (table_path, table_type, flagged_fraction, min_snr_achieved, verdict, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tablePath, tableType, flaggedFraction, minSNR, verdict, at.Unix())
	if err != nil {
		return fmt.Errorf("record calibration qa %s: %w", tablePath, err)
	}
	return nil
}

// RecordQAArtifact stores one named QA metric for an MS (noise, dynamic
// range, beam parameters, etc.).
func (s *ProductsStore) RecordQAArtifact(msPath, artifact, metric string, value float64, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO qa_artifacts (ms_path, artifact, metric, value, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, msPath, artifact, metric, value, at.Unix())
	if err != nil {
		return fmt.Errorf("record qa artifact %s/%s: %w", msPath, metric, err)
	}
	return nil
}

// UpsertMosaicGroup inserts or replaces a mosaic group's status and path.
func (s *ProductsStore) UpsertMosaicGroup(g model.MosaicGroup, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO mosaic_groups (group_id, status, mosaic_path, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			status=excluded.status, mosaic_path=excluded.mosaic_path, error=excluded.error, updated_at=excluded.updated_at
	`, g.GroupID, string(g.Status), g.MosaicPath, g.Error, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert mosaic group %s: %w", g.GroupID, err)
	}

	for _, m := range g.Members {
		_, err = tx.Exec(`
			INSERT INTO mosaic_ms_membership (mosaic_group_id, ms_path, position_in_group)
			VALUES (?, ?, ?)
			ON CONFLICT(mosaic_group_id, ms_path) DO UPDATE SET position_in_group = excluded.position_in_group
		`, g.GroupID, m.MSPath, m.PositionInGroup)
		if err != nil {
			return fmt.Errorf("upsert mosaic membership %s/%s: %w", g.GroupID, m.MSPath, err)
		}
	}
	return tx.Commit()
}

// MSesInActiveMosaics returns the set of MS paths already claimed by a
// pending/in_progress/completed mosaic group, for exclusion by the trigger.
func (s *ProductsStore) MSesInActiveMosaics() (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT mm.ms_path FROM mosaic_ms_membership mm
		JOIN mosaic_groups mg ON mg.group_id = mm.mosaic_group_id
		WHERE mg.status IN ('pending', 'in_progress', 'completed')
	`)
	if err != nil {
		return nil, fmt.Errorf("ms paths in active mosaics: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		out[path] = true
	}
	return out, rows.Err()
}

// InsertPhotometryMeasurement appends one append-only measurement.
func (s *ProductsStore) InsertPhotometryMeasurement(m model.PhotometryMeasurement) error {
	_, err := s.db.Exec(`
		INSERT INTO photometry
			(source_id, mjd, flux_jy, flux_err_jy, normalized_flux_jy, normalized_flux_err_jy,
			 ra_deg, dec_deg, image_path, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.SourceID, m.MJD, m.FluxJy, m.FluxErrJy, m.NormalizedFluxJy, m.NormalizedFluxErrJy,
		m.RADeg, m.DecDeg, m.ImagePath, m.MeasuredAt.Unix())
	if err != nil {
		return fmt.Errorf("insert photometry measurement for %s: %w", m.SourceID, err)
	}
	return nil
}

// MeasurementsForSource returns all measurements for sourceID ordered by
// mjd, the read-through view a Source aggregates into a lightcurve.
func (s *ProductsStore) MeasurementsForSource(sourceID string) ([]model.PhotometryMeasurement, error) {
	rows, err := s.db.Query(`
		SELECT source_id, mjd, flux_jy, flux_err_jy, normalized_flux_jy, normalized_flux_err_jy,
		       ra_deg, dec_deg, image_path, measured_at
		FROM photometry WHERE source_id = ? ORDER BY mjd
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("measurements for %s: %w", sourceID, err)
	}
	defer rows.Close()
	var out []model.PhotometryMeasurement
	for rows.Next() {
		var m model.PhotometryMeasurement
		var measuredUnix int64
		if err := rows.Scan(&m.SourceID, &m.MJD, &m.FluxJy, &m.FluxErrJy, &m.NormalizedFluxJy,
			&m.NormalizedFluxErrJy, &m.RADeg, &m.DecDeg, &m.ImagePath, &measuredUnix); err != nil {
			return nil, err
		}
		m.MeasuredAt = time.Unix(measuredUnix, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertVariabilityMetrics persists the per-source variability statistics
// computed by internal/variability.
func (s *ProductsStore) UpsertVariabilityMetrics(sourceID string, nEpochs int, v, eta, vsMean, mMean float64, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO photometry_timeseries (source_id, n_epochs, v_coeff, eta, vs_mean, m_mean, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			n_epochs=excluded.n_epochs, v_coeff=excluded.v_coeff, eta=excluded.eta,
			vs_mean=excluded.vs_mean, m_mean=excluded.m_mean, updated_at=excluded.updated_at
	`, sourceID, nEpochs, v, eta, vsMean, mMean, now.Unix())
	if err != nil {
		return fmt.Errorf("upsert variability metrics for %s: %w", sourceID, err)
	}
	return nil
}

// InsertTransientCandidate persists a candidate row.
func (s *ProductsStore) InsertTransientCandidate(c model.TransientCandidate) error {
	_, err := s.db.Exec(`
		INSERT INTO transient_candidates
			(candidate_id, source_name, ra_deg, dec_deg, detection_type, flux_obs_mjy, flux_baseline_mjy,
			 flux_ratio, significance_sigma, baseline_catalog, detected_at, mosaic_id, classification, variability_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CandidateID, c.SourceName, c.RADeg, c.DecDeg, string(c.DetectionType), c.FluxObsMJy, c.FluxBaselineMJy,
		c.FluxRatio, c.SignificanceSigma, c.BaselineCatalog, c.DetectedAt.Unix(), c.MosaicID, c.Classification, c.VariabilityIndex)
	if err != nil {
		return fmt.Errorf("insert transient candidate %s: %w", c.CandidateID, err)
	}
	return nil
}

// InsertTransientAlert persists an alert tied to an existing candidate.
func (s *ProductsStore) InsertTransientAlert(a model.TransientAlert) error {
	var ackAt any
	if a.AcknowledgedAt != nil {
		ackAt = a.AcknowledgedAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO transient_alerts
			(candidate_id, alert_level, message, acknowledged, acknowledged_at, acknowledged_by, follow_up_status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.CandidateID, string(a.AlertLevel), a.Message, boolToInt(a.Acknowledged), ackAt, a.AcknowledgedBy, a.FollowUpStatus, a.Notes)
	if err != nil {
		return fmt.Errorf("insert transient alert for %s: %w", a.CandidateID, err)
	}
	return nil
}

// RecordLightcurvePoint appends one lightcurve sample, flagging whether it
// falls in the ESE candidate window.
func (s *ProductsStore) RecordLightcurvePoint(sourceName string, mjd, fluxMJy float64, isESECandidate bool) error {
	_, err := s.db.Exec(`
		INSERT INTO transient_lightcurves (source_name, mjd, flux_mjy, is_ese_candidate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_name, mjd) DO UPDATE SET flux_mjy = excluded.flux_mjy, is_ese_candidate = excluded.is_ese_candidate
	`, sourceName, mjd, fluxMJy, boolToInt(isESECandidate))
	if err != nil {
		return fmt.Errorf("record lightcurve point for %s: %w", sourceName, err)
	}
	return nil
}
