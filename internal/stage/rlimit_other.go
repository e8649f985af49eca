//go:build !linux

package stage

// applyResourceLimits is a no-op outside Linux: RLIMIT_AS/RLIMIT_CPU
// enforcement via setrlimit(2) has no portable equivalent here, so
// non-Linux builds rely on the stage's own timeout instead.
func applyResourceLimits(limits resourceLimitSpec) error {
	return nil
}

func rlimitBackendName() string { return "unsupported" }
