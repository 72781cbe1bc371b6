package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/tierjit/internal/hotspot"
	"github.com/tangzhangming/tierjit/internal/jit"
	"github.com/tangzhangming/tierjit/internal/scheduler"
)

type fixedSource jit.Stats

func (s fixedSource) Stats() jit.Stats { return jit.Stats(s) }

func sampleStats() fixedSource {
	return fixedSource{
		ID:        "test",
		Hotspot:   hotspot.Stats{TotalRecords: 900, Promotions: 7, Tracked: 12},
		Versions:  6,
		ArenaUsed: 4096,
		Scheduler: scheduler.Stats{
			Successful:       5,
			Failed:           2,
			CacheHits:        1,
			CacheMisses:      4,
			TotalCompileTime: 1500 * time.Millisecond,
			Pending:          3,
			PeakPending:      9,
			Steals:           4,
			Workers: []scheduler.WorkerStats{
				{ID: 0, Processed: 4},
				{ID: 1, Processed: 3},
			},
		},
	}
}

func TestCollectorValues(t *testing.T) {
	c := NewCollector("tierjit", sampleStats(), prometheus.Labels{"jit_id": "test"})

	expected := `
# HELP tierjit_compilations_total Finished compilations by result.
# TYPE tierjit_compilations_total counter
tierjit_compilations_total{jit_id="test",result="failure"} 2
tierjit_compilations_total{jit_id="test",result="success"} 5
# HELP tierjit_compile_seconds_total Cumulative time spent in successful compilations.
# TYPE tierjit_compile_seconds_total counter
tierjit_compile_seconds_total{jit_id="test"} 1.5
# HELP tierjit_pending_tasks Submitted compilations not yet finished.
# TYPE tierjit_pending_tasks gauge
tierjit_pending_tasks{jit_id="test"} 3
# HELP tierjit_worker_tasks_total Tasks processed per worker.
# TYPE tierjit_worker_tasks_total counter
tierjit_worker_tasks_total{jit_id="test",worker="0"} 4
tierjit_worker_tasks_total{jit_id="test",worker="1"} 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"tierjit_compilations_total",
		"tierjit_compile_seconds_total",
		"tierjit_pending_tasks",
		"tierjit_worker_tasks_total",
	)
	require.NoError(t, err)

	// compilations 与 cache lookups 各 2 个，9 个单值指标，每个工作线程 1 个
	assert.Equal(t, 15, testutil.CollectAndCount(c))
}

func TestRegisterLiveCompiler(t *testing.T) {
	cfg := jit.DefaultConfig()
	cfg.Scheduler.Workers = 1
	cfg.Scheduler.PinThreads = false
	cfg.Arena.Enabled = false
	tc, err := jit.New(cfg, jit.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer tc.Close()

	reg := prometheus.NewPedanticRegistry()
	_, err = Register(reg, tc)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var found bool
			for _, l := range m.GetLabel() {
				if l.GetName() == "jit_id" {
					found = l.GetValue() == tc.ID().String()
				}
			}
			assert.True(t, found, f.GetName())
		}
	}

	_, err = Register(reg, tc)
	assert.Error(t, err, "duplicate registration")
}
