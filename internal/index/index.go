// Package index maintains the file index: a snapshot of a watched directory
// of UVH5 shards, keyed by path, with a derived observation group_id.
package index

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/dsa110/contimg/internal/pipelineerr"
)

var filenamePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_sb(\d{2})\.hdf5$`)

// Indexer walks a directory tree of UVH5 shards and keeps FileIndexStore in
// sync with it.
type Indexer struct {
	store         *db.FileIndexStore
	toleranceSec  int
	batchSize     int
	filesIndexed  int
	parseFailures int
}

// NewIndexer returns an Indexer backed by store, grouping shards whose
// timestamps fall within the same toleranceSec boundary.
func NewIndexer(store *db.FileIndexStore, toleranceSec int) *Indexer {
	if toleranceSec <= 0 {
		toleranceSec = 10
	}
	return &Indexer{store: store, toleranceSec: toleranceSec, batchSize: 1000}
}

// Stats summarizes one Index() call.
type Stats struct {
	FilesScanned  int
	FilesIndexed  int
	ParseFailures int
	MarkedAbsent  int64
}

// Index walks inputDir, parsing each ".hdf5" file's timestamp and subband
// code from its filename and upserting it into the file index. Every
// candidate file is re-parsed and upserted on each call: no mtime comparison
// is made, and forceRescan has no effect. If maxFiles > 0, the walk stops
// after that many candidate files.
func (ix *Indexer) Index(inputDir string, forceRescan bool, maxFiles int) (Stats, error) {
	var stats Stats
	present := make(map[string]struct{})

	count := 0
	err := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".hdf5") {
			return nil
		}
		if maxFiles > 0 && count >= maxFiles {
			return fs.SkipAll
		}
		count++

		info, err := d.Info()
		if err != nil {
			logging.Logf("index: stat failed for %s: %v", path, err)
			stats.ParseFailures++
			return nil
		}

		stats.FilesScanned++
		present[path] = struct{}{}

		f, parseErr := parseShardFilename(path, d.Name(), info, ix.toleranceSec)
		if parseErr != nil {
			stats.ParseFailures++
			f.ParseError = parseErr.Error()
			logging.Logf("index: parse failed for %s: %v", path, parseErr)
		}

		if err := ix.store.Upsert(f); err != nil {
			return fmt.Errorf("upsert %s: %w", path, err)
		}
		stats.FilesIndexed++
		return nil
	})
	if err != nil {
		return stats, pipelineerr.Wrap(err, "index", "")
	}

	marked, err := ix.store.MarkAbsent(present)
	if err != nil {
		return stats, fmt.Errorf("mark absent: %w", err)
	}
	stats.MarkedAbsent = marked
	return stats, nil
}

// parseShardFilename derives (timestamp, subband_code, group_id) from a
// shard's filename, per the YYYY-MM-DDTHH:MM:SS_sbNN.hdf5 convention.
func parseShardFilename(path, filename string, info fs.FileInfo, toleranceSec int) (model.IndexedFile, error) {
	f := model.IndexedFile{
		Path:          path,
		Filename:      filename,
		FileSizeBytes: info.Size(),
		ModifiedTime:  info.ModTime(),
		IndexedAt:     time.Now(),
		Stored:        true,
	}

	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return f, fmt.Errorf("filename %q does not match YYYY-MM-DDTHH:MM:SS_sbNN.hdf5", filename)
	}

	ts, err := time.Parse("2006-01-02T15:04:05", m[1])
	if err != nil {
		return f, fmt.Errorf("parse timestamp %q: %w", m[1], err)
	}
	subbandNum, err := strconv.Atoi(m[2])
	if err != nil {
		return f, fmt.Errorf("parse subband %q: %w", m[2], err)
	}

	f.TimestampISO = m[1]
	f.TimestampMJD = toMJD(ts)
	f.SubbandCode = model.SubbandCode(fmt.Sprintf("sb%02d", subbandNum))
	f.GroupID = FloorGroupID(ts, toleranceSec)
	return f, nil
}

// FloorGroupID normalizes ts by flooring seconds-since-midnight to the
// nearest toleranceSec boundary, so shards of one observation written a few
// seconds apart collapse to the same group.
func FloorGroupID(ts time.Time, toleranceSec int) string {
	ts = ts.UTC()
	secondsSinceMidnight := ts.Hour()*3600 + ts.Minute()*60 + ts.Second()
	floored := (secondsSinceMidnight / toleranceSec) * toleranceSec
	floorTime := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC).Add(time.Duration(floored) * time.Second)
	return floorTime.Format("2006-01-02T15:04:05")
}

const unixToMJDEpochOffset = 40587.0 // days between 1970-01-01 and MJD epoch

// toMJD converts a time.Time to a Modified Julian Date.
func toMJD(t time.Time) float64 {
	return float64(t.UTC().Unix())/86400.0 + unixToMJDEpochOffset
}

// DirExists validates that inputDir is readable before an Index() call,
// surfacing a pipelineerr.ErrIO on failure per spec.md's IOError requirement.
func DirExists(inputDir string) error {
	info, err := os.Stat(inputDir)
	if err != nil {
		return pipelineerr.New(pipelineerr.IOError, "index", "", fmt.Sprintf("input dir %s: %v", inputDir, err))
	}
	if !info.IsDir() {
		return pipelineerr.New(pipelineerr.IOError, "index", "", fmt.Sprintf("%s is not a directory", inputDir))
	}
	return nil
}

// ShardsForGroup walks inputDir for UVH5 shards whose filename-derived
// group_id equals groupID, and returns their paths sorted in ascending
// subband order. This is how the single-stage `convert` CLI boundary
// rediscovers a group's shard paths from nothing but --input-dir and
// --group-id, without depending on the file-index database.
func ShardsForGroup(inputDir, groupID string, toleranceSec int) ([]string, error) {
	if toleranceSec <= 0 {
		toleranceSec = 10
	}
	type found struct {
		path   string
		sbCode string
	}
	var matches []found
	err := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".hdf5") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		f, parseErr := parseShardFilename(path, d.Name(), info, toleranceSec)
		if parseErr != nil || f.GroupID != groupID {
			return nil
		}
		matches = append(matches, found{path: path, sbCode: string(f.SubbandCode)})
		return nil
	})
	if err != nil {
		return nil, pipelineerr.Wrap(err, "index", "")
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].sbCode < matches[j].sbCode })
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.path
	}
	return paths, nil
}
