package stage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyResourceLimits_NoopWhenUnset(t *testing.T) {
	require.NoError(t, applyResourceLimits(resourceLimitSpec{}))
}

func TestRlimitBackendName_NotEmpty(t *testing.T) {
	require.NotEmpty(t, rlimitBackendName())
}
