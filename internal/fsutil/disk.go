package fsutil

import (
	"fmt"
	"syscall"

	"github.com/dustin/go-humanize"
)

// DiskUsage reports the usage of the filesystem backing path.
type DiskUsage struct {
	Path       string
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

// UsedFraction returns the fraction of the filesystem currently in use, in [0,1].
func (d DiskUsage) UsedFraction() float64 {
	if d.TotalBytes == 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(d.TotalBytes)
}

func (d DiskUsage) String() string {
	return fmt.Sprintf("%s: %s used of %s (%.1f%%)", d.Path,
		humanize.Bytes(d.UsedBytes), humanize.Bytes(d.TotalBytes), d.UsedFraction()*100)
}

// StatDiskUsage queries filesystem usage for path via statfs. It is the
// production DiskUsager backing a DiskMonitor.
func StatDiskUsage(path string) (DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return DiskUsage{
		Path:       path,
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
	}, nil
}

// DiskUsager abstracts disk-usage measurement for testability.
type DiskUsager func(path string) (DiskUsage, error)

// WatchedPath is one filesystem root the worker loop guards against
// filling up, with independent warning/critical thresholds.
type WatchedPath struct {
	Path             string
	WarningFraction  float64
	CriticalFraction float64
}

// DiskMonitor evaluates a set of WatchedPaths and reports whether any has
// crossed its critical threshold, per spec.md section 5's disk-space policy:
// "when any quota's critical threshold is exceeded, the loop pauses and
// triggers cleanup."
type DiskMonitor struct {
	Paths  []WatchedPath
	Usager DiskUsager
}

// NewDiskMonitor constructs a DiskMonitor backed by the real filesystem.
func NewDiskMonitor(paths []WatchedPath) *DiskMonitor {
	return &DiskMonitor{Paths: paths, Usager: StatDiskUsage}
}

// PathStatus is the per-path evaluation result.
type PathStatus struct {
	Usage    DiskUsage
	Warning  bool
	Critical bool
}

// Check evaluates every watched path. It returns the individual statuses and
// whether any path is in a critical state.
func (m *DiskMonitor) Check() ([]PathStatus, bool, error) {
	usager := m.Usager
	if usager == nil {
		usager = StatDiskUsage
	}
	statuses := make([]PathStatus, 0, len(m.Paths))
	critical := false
	for _, wp := range m.Paths {
		usage, err := usager(wp.Path)
		if err != nil {
			return statuses, false, fmt.Errorf("check disk usage for %s: %w", wp.Path, err)
		}
		frac := usage.UsedFraction()
		status := PathStatus{
			Usage:    usage,
			Warning:  frac >= wp.WarningFraction,
			Critical: frac >= wp.CriticalFraction,
		}
		if status.Critical {
			critical = true
		}
		statuses = append(statuses, status)
	}
	return statuses, critical, nil
}
