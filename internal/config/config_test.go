package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dsa110/contimg/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPipelineConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"input_dir":"/data/in","queue_db":"/data/queue.db"}`)

	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.GetExpectedSubbands())
	assert.Equal(t, model.ModeAuto, cfg.GetExecutionMode())
	assert.True(t, cfg.Features.CalibrationSolvingEnabled())
	assert.False(t, cfg.Features.AutoPublishEnabled())
}

func TestLoadPipelineConfig_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"input_dir":"/data/in","queue_db":"/q.db","bogus_field":1}`)

	_, err := LoadPipelineConfig(path)
	require.Error(t, err)
}

func TestLoadPipelineConfig_RejectsNonJSONExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	_, err := LoadPipelineConfig(path)
	require.Error(t, err)
}

func TestLoadPipelineConfig_RequiresInputDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"queue_db":"/q.db"}`)

	_, err := LoadPipelineConfig(path)
	require.Error(t, err)
}

func TestLoadPipelineConfig_RejectsTooLarge(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, MaxConfigFileBytes+1)
	for i := range big {
		big[i] = ' '
	}
	path := filepath.Join(dir, "pipeline.json")
	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, err := LoadPipelineConfig(path)
	require.Error(t, err)
}

func TestPipelineConfig_Validate_DiskThresholdOrdering(t *testing.T) {
	w, c := 0.9, 0.5
	cfg := &PipelineConfig{
		InputDir: "/in", QueueDB: "/q.db",
		DiskThresholds: DiskThresholds{WarningFraction: &w, CriticalFraction: &c},
	}
	require.Error(t, cfg.Validate())
}
