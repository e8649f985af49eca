package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

// DataRegistryStore backs the data registry database: data_registry,
// data_relationships, and data_tags.
type DataRegistryStore struct {
	db *sql.DB
}

// NewDataRegistryStore wraps an already-opened, already-migrated DB.
func NewDataRegistryStore(conn *DB) *DataRegistryStore {
	return &DataRegistryStore{db: conn.DB}
}

// scienceDataTypes require a passed QA verdict before auto-publish, per the
// finalize_data gating rule.
var scienceDataTypes = map[string]bool{
	"image":    true,
	"mosaic":   true,
	"calib_ms": true,
	"caltable": true,
}

// Register inserts a new DataRecord in the staging state.
func (s *DataRegistryStore) Register(r model.DataRecord, now time.Time) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.StagedAt.IsZero() {
		r.StagedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO data_registry
			(data_id, data_type, base_path, status, stage_path, published_path, created_at, staged_at,
			 published_at, publish_mode, metadata_json, qa_status, validation_status,
			 finalization_status, auto_publish_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?, ?, ?, ?, ?)
	`, r.DataID, r.DataType, r.BasePath, model.DataStaging, r.StagePath, r.PublishedPath,
		r.CreatedAt.Unix(), r.StagedAt.Unix(), r.MetadataJSON, r.QAStatus, r.ValidationStatus,
		model.FinalizationPending, boolToInt(r.AutoPublishEnabled))
	if err != nil {
		return fmt.Errorf("register data record %s: %w", r.DataID, err)
	}
	return nil
}

// Get fetches a DataRecord by ID.
func (s *DataRegistryStore) Get(dataID string) (*model.DataRecord, error) {
	row := s.db.QueryRow(`
		SELECT data_id, data_type, base_path, status, stage_path, published_path, created_at, staged_at,
		       published_at, publish_mode, metadata_json, qa_status, validation_status,
		       finalization_status, auto_publish_enabled
		FROM data_registry WHERE data_id = ?
	`, dataID)
	rec, err := scanDataRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get data record %s: %w", dataID, err)
	}
	return rec, nil
}

func scanDataRecord(row rowScanner) (*model.DataRecord, error) {
	var r model.DataRecord
	var status, publishMode, finalization string
	var createdUnix, stagedUnix int64
	var publishedUnix sql.NullInt64
	var autoPublish int
	if err := row.Scan(&r.DataID, &r.DataType, &r.BasePath, &status, &r.StagePath, &r.PublishedPath,
		&createdUnix, &stagedUnix, &publishedUnix, &publishMode,
		&r.MetadataJSON, &r.QAStatus, &r.ValidationStatus, &finalization, &autoPublish); err != nil {
		return nil, err
	}
	r.Status = model.DataStatus(status)
	r.PublishMode = model.PublishMode(publishMode)
	r.FinalizationStatus = model.FinalizationStatus(finalization)
	r.AutoPublishEnabled = autoPublish != 0
	r.CreatedAt = time.Unix(createdUnix, 0).UTC()
	r.StagedAt = time.Unix(stagedUnix, 0).UTC()
	if publishedUnix.Valid {
		t := time.Unix(publishedUnix.Int64, 0).UTC()
		r.PublishedAt = &t
	}
	return &r, nil
}

// FinalizeData applies finalize_data: sets finalization_status to finalized,
// updates the QA/validation fields, and auto-publishes when
// auto_publish_enabled and the gating criteria are met.
func (s *DataRegistryStore) FinalizeData(dataID, qaStatus, validationStatus string, publishedRoot string, now time.Time) (*model.DataRecord, error) {
	rec, err := s.Get(dataID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("finalize data %s: not found", dataID)
	}
	rec.QAStatus = qaStatus
	rec.ValidationStatus = validationStatus
	rec.FinalizationStatus = model.FinalizationFinalized

	publish := rec.AutoPublishEnabled && validationStatus == "validated" &&
		(!scienceDataTypes[rec.DataType] || qaStatus == "passed")

	if publish {
		rec.PublishedPath = publishedPathFor(publishedRoot, rec.DataType, rec.StagePath)
		rec.Status = model.DataPublished
		rec.PublishMode = model.PublishAuto
		rec.PublishedAt = &now
	}

	if err := s.update(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PublishManual moves a record to published without QA gating, recording
// publish_mode='manual'.
func (s *DataRegistryStore) PublishManual(dataID, publishedRoot string, now time.Time) (*model.DataRecord, error) {
	rec, err := s.Get(dataID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("publish data %s: not found", dataID)
	}
	rec.PublishedPath = publishedPathFor(publishedRoot, rec.DataType, rec.StagePath)
	rec.Status = model.DataPublished
	rec.PublishMode = model.PublishManual
	rec.PublishedAt = &now
	if err := s.update(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func publishedPathFor(root, dataType, stagePath string) string {
	base := stagePath
	for i := len(stagePath) - 1; i >= 0; i-- {
		if stagePath[i] == '/' {
			base = stagePath[i+1:]
			break
		}
	}
	return root + "/" + dataType + "s/" + base
}

// update persists the full mutable field set of a DataRecord. The column
// list is fixed and never built from caller input, so there is no dynamic
// SQL construction to guard against injection.
func (s *DataRegistryStore) update(r *model.DataRecord) error {
	var publishedUnix any
	if r.PublishedAt != nil {
		publishedUnix = r.PublishedAt.Unix()
	}
	_, err := s.db.Exec(`
		UPDATE data_registry SET
			status = ?, published_path = ?, published_at = ?, publish_mode = ?,
			qa_status = ?, validation_status = ?, finalization_status = ?
		WHERE data_id = ?
	`, string(r.Status), r.PublishedPath, publishedUnix, string(r.PublishMode),
		r.QAStatus, r.ValidationStatus, string(r.FinalizationStatus), r.DataID)
	if err != nil {
		return fmt.Errorf("update data record %s: %w", r.DataID, err)
	}
	return nil
}

// AddRelationship inserts a lineage edge, ignoring duplicates.
func (s *DataRegistryStore) AddRelationship(rel model.DataRelationship) error {
	_, err := s.db.Exec(`
		INSERT INTO data_relationships (parent_data_id, child_data_id, relationship_type)
		VALUES (?, ?, ?)
		ON CONFLICT(parent_data_id, child_data_id, relationship_type) DO NOTHING
	`, rel.ParentDataID, rel.ChildDataID, rel.RelationshipType)
	if err != nil {
		return fmt.Errorf("add relationship %s->%s: %w", rel.ParentDataID, rel.ChildDataID, err)
	}
	return nil
}

// Children returns every data_id registered as a child of parentDataID.
func (s *DataRegistryStore) Children(parentDataID string) ([]model.DataRelationship, error) {
	rows, err := s.db.Query(`
		SELECT parent_data_id, child_data_id, relationship_type FROM data_relationships WHERE parent_data_id = ?
	`, parentDataID)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", parentDataID, err)
	}
	defer rows.Close()
	var out []model.DataRelationship
	for rows.Next() {
		var rel model.DataRelationship
		if err := rows.Scan(&rel.ParentDataID, &rel.ChildDataID, &rel.RelationshipType); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// AddTag attaches a tag to a data record, ignoring duplicates.
func (s *DataRegistryStore) AddTag(dataID, tag string) error {
	_, err := s.db.Exec(`
		INSERT INTO data_tags (data_id, tag) VALUES (?, ?)
		ON CONFLICT(data_id, tag) DO NOTHING
	`, dataID, tag)
	if err != nil {
		return fmt.Errorf("add tag %s to %s: %w", tag, dataID, err)
	}
	return nil
}

// TagsFor returns every tag attached to a data record.
func (s *DataRegistryStore) TagsFor(dataID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM data_tags WHERE data_id = ?`, dataID)
	if err != nil {
		return nil, fmt.Errorf("tags for %s: %w", dataID, err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ByStatus lists data records in a given status, newest first, for the
// pipelinectl data-registry inspection command.
func (s *DataRegistryStore) ByStatus(status model.DataStatus, limit int) ([]model.DataRecord, error) {
	rows, err := s.db.Query(`
		SELECT data_id, data_type, base_path, status, stage_path, published_path, created_at, staged_at,
		       published_at, publish_mode, metadata_json, qa_status, validation_status,
		       finalization_status, auto_publish_enabled
		FROM data_registry WHERE status = ? ORDER BY created_at DESC LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status %s: %w", status, err)
	}
	defer rows.Close()
	var out []model.DataRecord
	for rows.Next() {
		rec, err := scanDataRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
