// Package queue advances observation groups through the pipeline's
// collecting/pending/in_progress/completed/failed state machine with
// at-least-once delivery.
package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
)

// Manager wraps QueueStore and FileIndexStore to advance groups through the
// collecting -> pending -> in_progress -> completed|failed state machine.
type Manager struct {
	queue      *db.QueueStore
	fileIndex  *db.FileIndexStore
	expected   int
}

// NewManager returns a Manager with expectedSubbands per complete group.
func NewManager(queueStore *db.QueueStore, fileIndexStore *db.FileIndexStore, expectedSubbands int) *Manager {
	return &Manager{queue: queueStore, fileIndex: fileIndexStore, expected: expectedSubbands}
}

// SyncFromFileIndex ensures every group_id seen in the file index has a
// corresponding queue row, and promotes any collecting group that has
// become complete to pending. This is the bridge between component A's
// index sweep and component B's queue.
func (m *Manager) SyncFromFileIndex(startMJD, endMJD float64, now time.Time) (promoted int, err error) {
	groups, err := m.fileIndex.QuerySubbandGroups(startMJD, endMJD, m.expected, true)
	if err != nil {
		return 0, fmt.Errorf("query subband groups: %w", err)
	}
	for _, files := range groups {
		if len(files) == 0 {
			continue
		}
		groupID := files[0].GroupID
		if err := m.queue.Enqueue(groupID, m.expected, now); err != nil {
			return promoted, fmt.Errorf("enqueue %s: %w", groupID, err)
		}
		complete, err := m.fileIndex.IsGroupComplete(groupID, m.expected)
		if err != nil {
			return promoted, fmt.Errorf("check completeness %s: %w", groupID, err)
		}
		if !complete {
			continue
		}
		if err := m.queue.MarkPending(groupID, now); err != nil {
			return promoted, fmt.Errorf("mark pending %s: %w", groupID, err)
		}
		promoted++
		logging.Logf(logging.Msg("queue: group ready", logging.F("group_id", groupID)))
	}
	return promoted, nil
}

// AcquireNextPending claims the oldest pending group for processing.
func (m *Manager) AcquireNextPending(now time.Time) (string, error) {
	groupID, err := m.queue.AcquireNextPending(now)
	if err != nil {
		return "", fmt.Errorf("acquire next pending: %w", err)
	}
	return groupID, nil
}

// Complete records a terminal success, storing stage-timing metrics.
func (m *Manager) Complete(groupID string, metrics map[string]float64, now time.Time) error {
	return m.queue.UpdateState(groupID, model.GroupCompleted, metrics, "", now)
}

// Fail records a terminal failure. The error column holds
// "<failedStage>: <errMsg>"; the metrics blob is stored as an empty map and
// does not carry the stage name.
func (m *Manager) Fail(groupID, failedStage string, errMsg string, now time.Time) error {
	metrics := map[string]float64{}
	return m.queue.UpdateState(groupID, model.GroupFailed, metrics, fmt.Sprintf("%s: %s", failedStage, errMsg), now)
}

// Retry returns a failed group to pending. Callers are responsible for any
// retry-count ceiling policy; this method performs the transition
// unconditionally, matching spec.md's "retry policy allows" framing as an
// external decision the caller already made.
func (m *Manager) Retry(groupID string, now time.Time) error {
	return m.queue.RetryFailed(groupID, now)
}

// ReclaimStuck returns in_progress groups whose last_update predates
// staleAfter back to pending, for crash recovery.
func (m *Manager) ReclaimStuck(now time.Time, staleAfter time.Duration) (int64, error) {
	return m.queue.ReclaimStuck(now.Add(-staleAfter))
}

// GetGroupFiles returns the group's shard paths in ascending subband order.
func (m *Manager) GetGroupFiles(groupID string) ([]string, error) {
	files, err := m.fileIndex.FilesForGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("query group files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].SubbandCode < files[j].SubbandCode })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths, nil
}

// ListGroups reports up to limit groups in the given state, for the
// pipelinectl list command.
func (m *Manager) ListGroups(state model.GroupState, limit int) ([]db.GroupSummary, error) {
	return m.queue.ListByState(state, limit)
}

// Stats reports queue health for the pipelinectl queue-stats command.
func (m *Manager) Stats(now time.Time, staleAfter time.Duration) (db.Stats, error) {
	return m.queue.Stats(now, staleAfter)
}

// RecordStageMetric appends one stage-timing sample.
func (m *Manager) RecordStageMetric(groupID, stage string, duration time.Duration, now time.Time) error {
	return m.queue.RecordStageMetric(groupID, stage, duration.Milliseconds(), now)
}
