package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dsa110/contimg/internal/calibration"
)

// calTableFilenamePattern matches the <type>_<RFC3339>.tbl convention this
// binary writes calibration tables under, so DirTableCatalog can recover a
// CandidateTable's Type and SolvedAt from nothing but its path, the same
// filename-encodes-metadata convention internal/index uses for shards.
var calTableFilenamePattern = regexp.MustCompile(`^(G0|B|G)_(.+)\.tbl$`)

// DirTableCatalog implements calibration.TableCatalog by scanning a root
// directory laid out as <root>/<decStrip>/<type>_<solvedAt>.tbl, one
// subdirectory per declination strip produced by calibration_solve.
type DirTableCatalog struct {
	Root string
}

func (c DirTableCatalog) CandidateTables(decStrip string) ([]calibration.CandidateTable, error) {
	dir := filepath.Join(c.Root, decStrip)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read calibration table dir %s: %w", dir, err)
	}

	var out []calibration.CandidateTable
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := calTableFilenamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		solvedAt, err := time.Parse(time.RFC3339, m[2])
		if err != nil {
			continue
		}
		out = append(out, calibration.CandidateTable{
			Path:     filepath.Join(dir, e.Name()),
			Type:     m[1],
			DecStrip: decStrip,
			SolvedAt: solvedAt,
		})
	}
	return out, nil
}
