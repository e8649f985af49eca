package db

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dsa110/contimg/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestQueueStore(t *testing.T) *QueueStore {
	t.Helper()
	dir := t.TempDir()
	conn, err := Open(KindQueue, filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewQueueStore(conn)
}

func TestQueueStore_AcquireNextPending_FIFO(t *testing.T) {
	store := newTestQueueStore(t)
	now := time.Now()
	require.NoError(t, store.Enqueue("g2", 16, now.Add(2*time.Second)))
	require.NoError(t, store.Enqueue("g1", 16, now))
	require.NoError(t, store.MarkPending("g1", now))
	require.NoError(t, store.MarkPending("g2", now))

	got, err := store.AcquireNextPending(now)
	require.NoError(t, err)
	require.Equal(t, "g1", got)

	got, err = store.AcquireNextPending(now)
	require.NoError(t, err)
	require.Equal(t, "g2", got)

	got, err = store.AcquireNextPending(now)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueueStore_AcquireNextPending_ConcurrentUnique(t *testing.T) {
	store := newTestQueueStore(t)
	now := time.Now()
	for i := 0; i < 20; i++ {
		gid := "g" + string(rune('a'+i))
		require.NoError(t, store.Enqueue(gid, 16, now))
		require.NoError(t, store.MarkPending(gid, now))
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				gid, err := store.AcquireNextPending(time.Now())
				require.NoError(t, err)
				if gid == "" {
					return
				}
				mu.Lock()
				require.False(t, seen[gid], "duplicate acquire of %s", gid)
				seen[gid] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 20)
}

func TestQueueStore_UpdateState(t *testing.T) {
	store := newTestQueueStore(t)
	now := time.Now()
	require.NoError(t, store.Enqueue("g1", 16, now))
	require.NoError(t, store.MarkPending("g1", now))
	_, err := store.AcquireNextPending(now)
	require.NoError(t, err)

	require.NoError(t, store.UpdateState("g1", model.GroupCompleted, map[string]float64{"duration_s": 12.5}, "", now))

	stats, err := store.Stats(now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.CountsByState[model.GroupCompleted])
}

func TestQueueStore_ReclaimStuck(t *testing.T) {
	store := newTestQueueStore(t)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Enqueue("g1", 16, past))
	require.NoError(t, store.MarkPending("g1", past))
	_, err := store.AcquireNextPending(past)
	require.NoError(t, err)

	n, err := store.ReclaimStuck(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stats, err := store.Stats(time.Now(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.CountsByState[model.GroupPending])
}

func TestQueueStore_RetryFailed(t *testing.T) {
	store := newTestQueueStore(t)
	now := time.Now()
	require.NoError(t, store.Enqueue("g1", 16, now))
	require.NoError(t, store.MarkPending("g1", now))
	_, err := store.AcquireNextPending(now)
	require.NoError(t, err)
	require.NoError(t, store.UpdateState("g1", model.GroupFailed, nil, "calibration error", now))

	require.NoError(t, store.RetryFailed("g1", now))

	stats, err := store.Stats(now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.CountsByState[model.GroupPending])
}

func TestQueueStore_ListByState(t *testing.T) {
	store := newTestQueueStore(t)
	now := time.Now()
	require.NoError(t, store.Enqueue("g1", 16, now))
	require.NoError(t, store.Enqueue("g2", 16, now.Add(time.Second)))
	require.NoError(t, store.MarkPending("g1", now))
	require.NoError(t, store.MarkPending("g2", now))
	_, err := store.AcquireNextPending(now)
	require.NoError(t, err)
	_, err = store.AcquireNextPending(now)
	require.NoError(t, err)
	require.NoError(t, store.UpdateState("g1", model.GroupFailed, nil, "calibration error", now))
	require.NoError(t, store.UpdateState("g2", model.GroupFailed, nil, "imaging error", now))

	failed, err := store.ListByState(model.GroupFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	require.Equal(t, "g1", failed[0].GroupID)
	require.Equal(t, "calibration error", failed[0].Error)

	limited, err := store.ListByState(model.GroupFailed, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := store.ListByState(model.GroupCollecting, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}
