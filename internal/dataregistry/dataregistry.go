// Package dataregistry is the thin service layer in front of
// internal/db.DataRegistryStore: it owns data_id generation and gives every
// producing stage (conversion, calibration, imaging, mosaic) one call to
// register a freshly produced artifact in staging.
package dataregistry

import (
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/model"
	"github.com/google/uuid"
)

// Registry wraps a DataRegistryStore with data_id generation.
type Registry struct {
	Store  *db.DataRegistryStore
	NewID  func() string
	Now    func() time.Time
}

// New returns a Registry backed by store, generating IDs with uuid.NewString.
func New(store *db.DataRegistryStore) *Registry {
	return &Registry{Store: store, NewID: uuid.NewString, Now: time.Now}
}

// RegisterArtifact stages a newly produced artifact and returns the
// DataRecord it was registered under, with a fresh data_id.
func (r *Registry) RegisterArtifact(dataType, basePath, stagePath, metadataJSON string, autoPublishEnabled bool) (*model.DataRecord, error) {
	now := r.Now()
	rec := model.DataRecord{
		DataID:             r.NewID(),
		DataType:           dataType,
		BasePath:           basePath,
		StagePath:          stagePath,
		MetadataJSON:       metadataJSON,
		AutoPublishEnabled: autoPublishEnabled,
	}
	if err := r.Store.Register(rec, now); err != nil {
		return nil, err
	}
	return r.Store.Get(rec.DataID)
}

// Finalize wraps DataRegistryStore.FinalizeData with the registry's clock.
func (r *Registry) Finalize(dataID, qaStatus, validationStatus, publishedRoot string) (*model.DataRecord, error) {
	return r.Store.FinalizeData(dataID, qaStatus, validationStatus, publishedRoot, r.Now())
}

// LinkLineage records a parent/child relationship edge between two
// registered artifacts (e.g. an MS's caltable -> image -> mosaic chain).
func (r *Registry) LinkLineage(parentDataID, childDataID, relationshipType string) error {
	return r.Store.AddRelationship(model.DataRelationship{
		ParentDataID:     parentDataID,
		ChildDataID:      childDataID,
		RelationshipType: relationshipType,
	})
}
