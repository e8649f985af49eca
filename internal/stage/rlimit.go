package stage

import "github.com/dsa110/contimg/internal/model"

// resourceLimitSpec is the platform-independent view of the limits a stage
// execution needs enforced; rlimit_unix.go and rlimit_other.go each
// provide a backend that knows how to apply it.
type resourceLimitSpec struct {
	MemoryMB   int
	CPUSeconds int
}

func newResourceLimitSpec(r model.ResourceLimits) resourceLimitSpec {
	return resourceLimitSpec{MemoryMB: r.MemoryMB, CPUSeconds: r.CPUSeconds}
}
