package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

// QueueStore backs the subband-grouping queue's ingest_queue and
// performance_metrics tables.
type QueueStore struct {
	db *sql.DB
}

// NewQueueStore wraps an already-opened, already-migrated DB.
func NewQueueStore(conn *DB) *QueueStore {
	return &QueueStore{db: conn.DB}
}

// Enqueue inserts a new group in the collecting state, or is a no-op if the
// group already exists.
func (s *QueueStore) Enqueue(groupID string, expectedSubbands int, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO ingest_queue (group_id, state, received_at, last_update, expected_subbands)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO NOTHING
	`, groupID, model.GroupCollecting, now.Unix(), now.Unix(), expectedSubbands)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", groupID, err)
	}
	return nil
}

// MarkPending transitions a collecting group to pending once all expected
// subbands are stored.
func (s *QueueStore) MarkPending(groupID string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE ingest_queue SET state = ?, last_update = ?
		WHERE group_id = ? AND state = ?
	`, model.GroupPending, now.Unix(), groupID, model.GroupCollecting)
	if err != nil {
		return fmt.Errorf("mark pending %s: %w", groupID, err)
	}
	return nil
}

// AcquireNextPending atomically selects the oldest pending group (FIFO on
// received_at, tie-broken lexicographically on group_id) and moves it to
// in_progress. It returns ("", nil) if no group is available. The SELECT and
// an UPDATE guarded on state = pending run in one transaction, so two
// concurrent callers never both claim the same group; a caller whose UPDATE
// affects no row also gets ("", nil).
func (s *QueueStore) AcquireNextPending(now time.Time) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var groupID string
	err = tx.QueryRow(`
		SELECT group_id FROM ingest_queue
		WHERE state = ?
		ORDER BY received_at, group_id
		LIMIT 1
	`, model.GroupPending).Scan(&groupID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select next pending: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE ingest_queue SET state = ?, last_update = ?
		WHERE group_id = ? AND state = ?
	`, model.GroupInProgress, now.Unix(), groupID, model.GroupPending)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Another worker claimed it between the select and the update.
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
		return "", nil
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return groupID, nil
}

// UpdateState performs a terminal transition, storing metrics on completion
// or the error text on failure.
func (s *QueueStore) UpdateState(groupID string, newState model.GroupState, metrics map[string]float64, errMsg string, now time.Time) error {
	var metricsJSON string
	if metrics != nil {
		b, err := json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
		metricsJSON = string(b)
	}
	_, err := s.db.Exec(`
		UPDATE ingest_queue SET state = ?, last_update = ?, metrics_json = ?, error = ?
		WHERE group_id = ?
	`, newState, now.Unix(), metricsJSON, errMsg, groupID)
	if err != nil {
		return fmt.Errorf("update state %s: %w", groupID, err)
	}
	return nil
}

// RetryFailed returns a failed group to pending, incrementing retry_count.
func (s *QueueStore) RetryFailed(groupID string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE ingest_queue SET state = ?, retry_count = retry_count + 1, last_update = ?
		WHERE group_id = ? AND state = ?
	`, model.GroupPending, now.Unix(), groupID, model.GroupFailed)
	if err != nil {
		return fmt.Errorf("retry %s: %w", groupID, err)
	}
	return nil
}

// ReclaimStuck returns in_progress groups whose last_update is older than
// olderThan to pending, for the crash-recovery janitor the spec leaves
// unspecified beyond "must be idempotent". Re-running it is always safe: a
// group already moved on by its worker will not match the WHERE clause.
func (s *QueueStore) ReclaimStuck(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE ingest_queue SET state = ?, last_update = ?
		WHERE state = ? AND last_update < ?
	`, model.GroupPending, time.Now().Unix(), model.GroupInProgress, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck groups: %w", err)
	}
	return res.RowsAffected()
}

// QueueStore has no file lookup of its own: the queue does not own file
// paths (the file index does), so queue.Manager.GetGroupFiles composes it
// with FileIndexStore.FilesForGroup keyed by group_id rather than running a
// cross-store query that would couple the two SQLite files.

// Stats summarizes queue health: counts per state, the oldest pending age,
// and the count of groups stuck in_progress past staleAfter.
type Stats struct {
	CountsByState      map[model.GroupState]int
	OldestPendingAge   time.Duration
	StuckInProgress    int
}

// Stats computes queue-health metrics consumed by the pipelinectl
// queue-stats command.
func (s *QueueStore) Stats(now time.Time, staleAfter time.Duration) (Stats, error) {
	stats := Stats{CountsByState: make(map[model.GroupState]int)}

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM ingest_queue GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("count by state: %w", err)
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountsByState[model.GroupState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	rows.Close()

	var oldestPendingUnix sql.NullInt64
	err = s.db.QueryRow(`
		SELECT MIN(received_at) FROM ingest_queue WHERE state = ?
	`, model.GroupPending).Scan(&oldestPendingUnix)
	if err != nil {
		return stats, fmt.Errorf("oldest pending: %w", err)
	}
	if oldestPendingUnix.Valid {
		stats.OldestPendingAge = now.Sub(time.Unix(oldestPendingUnix.Int64, 0))
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM ingest_queue WHERE state = ? AND last_update < ?
	`, model.GroupInProgress, now.Add(-staleAfter).Unix()).Scan(&stats.StuckInProgress)
	if err != nil {
		return stats, fmt.Errorf("stuck in progress: %w", err)
	}
	return stats, nil
}

// GroupSummary is one ingest_queue row as reported to an operator, by
// pipelinectl list.
type GroupSummary struct {
	GroupID     string
	State       model.GroupState
	ReceivedAt  time.Time
	LastUpdate  time.Time
	RetryCount  int
	Error       string
}

// ListByState returns up to limit groups in the given state, oldest first.
// A zero limit returns every matching group.
func (s *QueueStore) ListByState(state model.GroupState, limit int) ([]GroupSummary, error) {
	query := `
		SELECT group_id, state, received_at, last_update, retry_count, COALESCE(error, '')
		FROM ingest_queue WHERE state = ? ORDER BY received_at ASC`
	args := []any{state}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups by state %s: %w", state, err)
	}
	defer rows.Close()

	var summaries []GroupSummary
	for rows.Next() {
		var (
			g            GroupSummary
			rawState     string
			receivedUnix int64
			lastUpdUnix  int64
		)
		if err := rows.Scan(&g.GroupID, &rawState, &receivedUnix, &lastUpdUnix, &g.RetryCount, &g.Error); err != nil {
			return nil, fmt.Errorf("scan group summary: %w", err)
		}
		g.State = model.GroupState(rawState)
		g.ReceivedAt = time.Unix(receivedUnix, 0).UTC()
		g.LastUpdate = time.Unix(lastUpdUnix, 0).UTC()
		summaries = append(summaries, g)
	}
	return summaries, rows.Err()
}

// RecordStageMetric appends one stage-timing sample to performance_metrics.
func (s *QueueStore) RecordStageMetric(groupID, stage string, durationMS int64, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO performance_metrics (group_id, stage, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?)
	`, groupID, stage, durationMS, now.Unix())
	if err != nil {
		return fmt.Errorf("record stage metric: %w", err)
	}
	return nil
}
