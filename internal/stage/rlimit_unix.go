//go:build linux

package stage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyResourceLimits sets RLIMIT_AS and RLIMIT_CPU on the calling process.
// Rlimits are inherited by any child the process subsequently forks, so
// calling this immediately before StageRunner spawns the stage subprocess
// caps that child without needing a lower-level hook into CommandExecutor.
// The StageRunner only ever has one stage subprocess in flight at a time,
// so mutating process-wide limits here is safe.
func applyResourceLimits(limits resourceLimitSpec) error {
	if limits.MemoryMB > 0 {
		asBytes := uint64(limits.MemoryMB) * 1024 * 1024
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: asBytes, Max: asBytes}); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
		}
	}
	if limits.CPUSeconds > 0 {
		cpu := uint64(limits.CPUSeconds)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu}); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_CPU: %w", err)
		}
	}
	return nil
}

func rlimitBackendName() string { return "linux-setrlimit" }
