package jit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hotspot.Threshold = 0
	cfg.RegAlloc.NumRegs = -1
	cfg.RegAlloc.Strategy = "best-fit"
	cfg.Scheduler.MaxQueueSize = -5
	cfg.Log.Level = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.Len(t, errs, 5)
	for _, e := range errs {
		assert.True(t, jiterrors.Is(e, jiterrors.ErrInvalidConfig), e.Error())
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "jit.toml", `
enabled = true

[hotspot]
threshold = 500

[scheduler]
workers = 3
fairness_interval = 8

[regalloc]
strategy = "graph-coloring"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.Hotspot.Threshold = 500
	want.Scheduler.Workers = 3
	want.Scheduler.FairnessInterval = 8
	want.RegAlloc.Strategy = "graph-coloring"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "jit.yml", `
versions:
  max_versions: 4
  lock_timeout_ms: 0
arena:
  enabled: false
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Versions.MaxVersions)
	assert.Equal(t, 0, cfg.Versions.LockTimeoutMs)
	assert.False(t, cfg.Arena.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DefaultConfig().Hotspot, cfg.Hotspot)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "jit.json", "{}"))
	assert.True(t, jiterrors.Is(err, jiterrors.ErrInvalidConfig))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.toml", "[hotspot\nthreshold = 1"))
	assert.True(t, jiterrors.Is(err, jiterrors.ErrInvalidConfig))

	_, err = LoadConfig(writeFile(t, "neg.toml", "[hotspot]\nthreshold = -1\n"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.MaxQueueSize = 128
	cfg.Optimizer.DeadCodeElimination = false

	for _, format := range []Format{FormatTOML, FormatYAML} {
		data, err := cfg.Marshal(format)
		require.NoError(t, err, format)
		got, err := ParseConfig(data, format)
		require.NoError(t, err, format)
		if diff := cmp.Diff(cfg, got); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", format, diff)
		}
	}

	_, err := cfg.Marshal("ini")
	assert.Error(t, err)
}
