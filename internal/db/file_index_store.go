package db

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/dsa110/contimg/internal/model"
)

// FileIndexStore is a thin wrapper over *sql.DB exposing the hdf5_file_index
// table's operations.
type FileIndexStore struct {
	db *sql.DB
}

// NewFileIndexStore wraps an already-opened, already-migrated DB.
func NewFileIndexStore(conn *DB) *FileIndexStore {
	return &FileIndexStore{db: conn.DB}
}

// Upsert inserts or replaces one indexed file row.
func (s *FileIndexStore) Upsert(f model.IndexedFile) error {
	_, err := s.db.Exec(`
		INSERT INTO hdf5_file_index
			(path, filename, group_id, subband_code, timestamp_iso, timestamp_mjd,
			 file_size_bytes, modified_time, indexed_at, stored, parse_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			filename=excluded.filename, group_id=excluded.group_id,
			subband_code=excluded.subband_code, timestamp_iso=excluded.timestamp_iso,
			timestamp_mjd=excluded.timestamp_mjd, file_size_bytes=excluded.file_size_bytes,
			modified_time=excluded.modified_time, indexed_at=excluded.indexed_at,
			stored=excluded.stored, parse_error=excluded.parse_error
	`, f.Path, f.Filename, f.GroupID, string(f.SubbandCode), f.TimestampISO, f.TimestampMJD,
		f.FileSizeBytes, f.ModifiedTime.Unix(), f.IndexedAt.Unix(), boolToInt(f.Stored), f.ParseError)
	if err != nil {
		return fmt.Errorf("upsert indexed file %s: %w", f.Path, err)
	}
	return nil
}

// MarkAbsent marks every stored=1 row whose path is not in present as
// stored=0, in the single post-scan sweep the indexer performs after
// walking the tree.
func (s *FileIndexStore) MarkAbsent(present map[string]struct{}) (int64, error) {
	rows, err := s.db.Query(`SELECT path FROM hdf5_file_index WHERE stored = 1`)
	if err != nil {
		return 0, fmt.Errorf("query stored paths: %w", err)
	}
	var missing []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan path: %w", err)
		}
		if _, ok := present[p]; !ok {
			missing = append(missing, p)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	var total int64
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, p := range missing {
		res, err := tx.Exec(`UPDATE hdf5_file_index SET stored = 0 WHERE path = ?`, p)
		if err != nil {
			return 0, fmt.Errorf("mark absent %s: %w", p, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// QuerySubbandGroups returns complete 16-shard groups whose midtimes fall
// within [startMJD, endMJD], each sorted by subband_code, filtered to
// onlyStored rows if requested.
func (s *FileIndexStore) QuerySubbandGroups(startMJD, endMJD float64, expectedSubbands int, onlyStored bool) ([][]model.IndexedFile, error) {
	query := `
		SELECT path, filename, group_id, subband_code, timestamp_iso, timestamp_mjd,
		       file_size_bytes, modified_time, indexed_at, stored, parse_error
		FROM hdf5_file_index
		WHERE timestamp_mjd BETWEEN ? AND ?`
	args := []any{startMJD, endMJD}
	if onlyStored {
		query += " AND stored = 1"
	}
	query += " ORDER BY group_id, subband_code"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subband groups: %w", err)
	}
	defer rows.Close()

	byGroup := make(map[string][]model.IndexedFile)
	var order []string
	for rows.Next() {
		f, err := scanIndexedFile(rows)
		if err != nil {
			return nil, err
		}
		if _, seen := byGroup[f.GroupID]; !seen {
			order = append(order, f.GroupID)
		}
		byGroup[f.GroupID] = append(byGroup[f.GroupID], f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result [][]model.IndexedFile
	for _, gid := range order {
		files := byGroup[gid]
		if len(files) != expectedSubbands {
			continue
		}
		if !isContiguousSubbandSet(files, expectedSubbands) {
			continue
		}
		sort.Slice(files, func(i, j int) bool { return files[i].SubbandCode < files[j].SubbandCode })
		result = append(result, files)
	}
	return result, nil
}

func isContiguousSubbandSet(files []model.IndexedFile, expected int) bool {
	seen := make(map[string]bool, expected)
	for _, f := range files {
		seen[string(f.SubbandCode)] = true
	}
	if len(seen) != expected {
		return false
	}
	for i := 0; i < expected; i++ {
		code := fmt.Sprintf("sb%02d", i)
		if !seen[code] {
			return false
		}
	}
	return true
}

// FilesForGroup returns every row for groupID, sorted by subband_code,
// regardless of completeness.
func (s *FileIndexStore) FilesForGroup(groupID string) ([]model.IndexedFile, error) {
	rows, err := s.db.Query(`
		SELECT path, filename, group_id, subband_code, timestamp_iso, timestamp_mjd,
		       file_size_bytes, modified_time, indexed_at, stored, parse_error
		FROM hdf5_file_index
		WHERE group_id = ?
		ORDER BY subband_code
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("files for group %s: %w", groupID, err)
	}
	defer rows.Close()
	var out []model.IndexedFile
	for rows.Next() {
		f, err := scanIndexedFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// IsGroupComplete reports whether exactly expectedSubbands stored shards
// exist for groupID.
func (s *FileIndexStore) IsGroupComplete(groupID string, expectedSubbands int) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM hdf5_file_index WHERE group_id = ? AND stored = 1
	`, groupID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count group %s: %w", groupID, err)
	}
	return count == expectedSubbands, nil
}

func scanIndexedFile(rows *sql.Rows) (model.IndexedFile, error) {
	var f model.IndexedFile
	var modifiedUnix, indexedUnix int64
	var stored int
	var subband string
	if err := rows.Scan(&f.Path, &f.Filename, &f.GroupID, &subband, &f.TimestampISO, &f.TimestampMJD,
		&f.FileSizeBytes, &modifiedUnix, &indexedUnix, &stored, &f.ParseError); err != nil {
		return f, fmt.Errorf("scan indexed file: %w", err)
	}
	f.SubbandCode = model.SubbandCode(subband)
	f.ModifiedTime = time.Unix(modifiedUnix, 0).UTC()
	f.IndexedAt = time.Unix(indexedUnix, 0).UTC()
	f.Stored = stored != 0
	return f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
