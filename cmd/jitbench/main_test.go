package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/tierjit/internal/jit"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestBenchJSON(t *testing.T) {
	out, err := run(t, "bench", "--format", "json", "--log-level", "error",
		"--blocks", "8", "--executions", "150", "--ops", "12", "--workers", "2")
	require.NoError(t, err, out)

	var report benchReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 8, report.Blocks)
	assert.Equal(t, int64(8*150), report.Executions)
	assert.Equal(t, report.Executions, report.Interpreted+report.Native)
	assert.Equal(t, int64(8), report.Compiled+report.Failed-8, "every block compiled once and resubmitted once")
	assert.InDelta(t, 0.5, report.CacheHitRate, 1e-9)
	assert.Len(t, report.Hotspots, 5)
	assert.Equal(t, "compiled", report.Hotspots[0].State)
}

func TestBenchText(t *testing.T) {
	out, err := run(t, "bench", "--log-level", "error",
		"--blocks", "2", "--executions", "120", "--resubmit=false")
	require.NoError(t, err)
	assert.Contains(t, out, "cache hit rate")
	assert.Contains(t, out, "0x10000")
}

func TestBenchMetrics(t *testing.T) {
	out, err := run(t, "bench", "--log-level", "error", "--metrics",
		"--blocks", "2", "--executions", "120", "--workers", "2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "# TYPE tierjit_compilations_total counter")
	assert.Contains(t, out, `tierjit_compilations_total{jit_id=`)
	assert.Contains(t, out, "tierjit_tracked_blocks")

	out, err = run(t, "bench", "--format", "json", "--log-level", "error", "--metrics",
		"--blocks", "2", "--executions", "120")
	require.NoError(t, err, out)
	var report benchReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, strings.Contains(report.Metrics, "tierjit_code_versions"), report.Metrics)
}

func TestAllocJSON(t *testing.T) {
	out, err := run(t, "alloc", "--format", "json", "--ops", "60", "--regs", "4", "--optimize=false")
	require.NoError(t, err, out)

	var report allocReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "graph-coloring", report.Strategy)
	assert.Equal(t, 60, report.Ops)
	assert.LessOrEqual(t, report.MaxLive, 4)
	assert.NotEmpty(t, report.Allocations)
	assert.Equal(t, 0, report.StackSize%16)
}

func TestAllocText(t *testing.T) {
	out, err := run(t, "alloc", "--ops", "10", "--strategy", "linear-scan")
	require.NoError(t, err)
	assert.Contains(t, out, "strategy linear-scan")

	_, err = run(t, "alloc", "--strategy", "first-fit")
	assert.Error(t, err)
}

func TestConfigOutput(t *testing.T) {
	out, err := run(t, "config")
	require.NoError(t, err)
	cfg, err := jit.ParseConfig([]byte(out), jit.FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, jit.DefaultConfig().Hotspot, cfg.Hotspot)

	out, err = run(t, "config", "--as", "yaml")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "hotspot:"))

	out, err = run(t, "config", "--format", "json")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "config", "--format", "xml")
	assert.Error(t, err)
}
