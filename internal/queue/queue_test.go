package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *db.FileIndexStore) {
	t.Helper()
	dir := t.TempDir()
	fiConn, err := db.Open(db.KindFileIndex, filepath.Join(dir, "fileindex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { fiConn.Close() })
	qConn, err := db.Open(db.KindQueue, filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { qConn.Close() })

	fi := db.NewFileIndexStore(fiConn)
	q := db.NewQueueStore(qConn)
	return NewManager(q, fi, 2), fi
}

func seedGroup(t *testing.T, fi *db.FileIndexStore, groupID string, n int, stored bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, fi.Upsert(model.IndexedFile{
			Path:         groupID + "/sb0" + string(rune('0'+i)),
			Filename:     "shard",
			GroupID:      groupID,
			SubbandCode:  model.SubbandCode("sb0" + string(rune('0'+i))),
			TimestampMJD: 60000.0,
			ModifiedTime: time.Now(),
			IndexedAt:    time.Now(),
			Stored:       stored,
		}))
	}
}

func TestManager_SyncFromFileIndex_PromotesCompleteGroup(t *testing.T) {
	mgr, fi := newTestManager(t)
	seedGroup(t, fi, "g1", 2, true)

	promoted, err := mgr.SyncFromFileIndex(59999, 60001, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	gid, err := mgr.AcquireNextPending(time.Now())
	require.NoError(t, err)
	require.Equal(t, "g1", gid)
}

func TestManager_SyncFromFileIndex_IncompleteGroupNotPromoted(t *testing.T) {
	mgr, fi := newTestManager(t)
	seedGroup(t, fi, "g1", 1, true)

	promoted, err := mgr.SyncFromFileIndex(59999, 60001, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, promoted)
}

func TestManager_CompleteAndFail(t *testing.T) {
	mgr, fi := newTestManager(t)
	seedGroup(t, fi, "g1", 2, true)
	now := time.Now()
	_, err := mgr.SyncFromFileIndex(59999, 60001, now)
	require.NoError(t, err)
	gid, err := mgr.AcquireNextPending(now)
	require.NoError(t, err)
	require.Equal(t, "g1", gid)

	require.NoError(t, mgr.Complete("g1", map[string]float64{"duration_s": 1.0}, now))

	stats, err := mgr.Stats(now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.CountsByState[model.GroupCompleted])
}

func TestManager_Fail_ThenRetry(t *testing.T) {
	mgr, fi := newTestManager(t)
	seedGroup(t, fi, "g1", 2, true)
	now := time.Now()
	_, err := mgr.SyncFromFileIndex(59999, 60001, now)
	require.NoError(t, err)
	_, err = mgr.AcquireNextPending(now)
	require.NoError(t, err)

	require.NoError(t, mgr.Fail("g1", "calibration", "refant search exhausted", now))
	stats, err := mgr.Stats(now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.CountsByState[model.GroupFailed])

	require.NoError(t, mgr.Retry("g1", now))
	stats, err = mgr.Stats(now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.CountsByState[model.GroupPending])
}

func TestManager_GetGroupFiles_SortedBySubband(t *testing.T) {
	mgr, fi := newTestManager(t)
	seedGroup(t, fi, "g1", 2, true)

	paths, err := mgr.GetGroupFiles("g1")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Contains(t, paths[0], "sb00")
	require.Contains(t, paths[1], "sb01")
}

func TestManager_ReclaimStuck(t *testing.T) {
	mgr, fi := newTestManager(t)
	seedGroup(t, fi, "g1", 2, true)
	past := time.Now().Add(-2 * time.Hour)
	_, err := mgr.SyncFromFileIndex(59999, 60001, past)
	require.NoError(t, err)
	_, err = mgr.AcquireNextPending(past)
	require.NoError(t, err)

	n, err := mgr.ReclaimStuck(time.Now(), time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
