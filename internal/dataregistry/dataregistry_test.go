package dataregistry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.KindDataRegistry, filepath.Join(dir, "dataregistry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	reg := New(db.NewDataRegistryStore(conn))
	n := 0
	reg.NewID = func() string { n++; return "id-" + string(rune('0'+n)) }
	reg.Now = func() time.Time { return time.Unix(1700000000, 0) }
	return reg
}

func TestRegisterArtifact_AssignsFreshID(t *testing.T) {
	reg := newTestRegistry(t)
	rec, err := reg.RegisterArtifact("image", "/data/obs1", "/stage/obs1.image", "", true)
	require.NoError(t, err)
	require.Equal(t, "id-1", rec.DataID)
	require.Equal(t, "staging", string(rec.Status))
}

func TestFinalize_AutoPublishesWhenCriteriaMet(t *testing.T) {
	reg := newTestRegistry(t)
	rec, err := reg.RegisterArtifact("image", "/data/obs1", "/stage/obs1.image", "", true)
	require.NoError(t, err)

	finalized, err := reg.Finalize(rec.DataID, "passed", "validated", "/published")
	require.NoError(t, err)
	require.Equal(t, "published", string(finalized.Status))
}

func TestFinalize_DoesNotPublishWithoutQAPass(t *testing.T) {
	reg := newTestRegistry(t)
	rec, err := reg.RegisterArtifact("image", "/data/obs1", "/stage/obs1.image", "", true)
	require.NoError(t, err)

	finalized, err := reg.Finalize(rec.DataID, "failed", "validated", "/published")
	require.NoError(t, err)
	require.Equal(t, "staging", string(finalized.Status))
}

func TestLinkLineage_RecordsEdge(t *testing.T) {
	reg := newTestRegistry(t)
	parent, err := reg.RegisterArtifact("calib_ms", "/data/obs1", "/stage/obs1.ms", "", false)
	require.NoError(t, err)
	child, err := reg.RegisterArtifact("image", "/data/obs1", "/stage/obs1.image", "", true)
	require.NoError(t, err)

	require.NoError(t, reg.LinkLineage(parent.DataID, child.DataID, "imaged_from"))
	children, err := reg.Store.Children(parent.DataID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, child.DataID, children[0].ChildDataID)
}
