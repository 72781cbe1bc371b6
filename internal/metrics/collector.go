// Package metrics 以 Prometheus 指标导出分层编译器的统计
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tangzhangming/tierjit/internal/jit"
)

// Source 统计来源，*jit.TieredCompiler 满足该接口
type Source interface {
	Stats() jit.Stats
}

// Collector 每次抓取时读取一次统计快照
type Collector struct {
	src Source

	compilations *prometheus.Desc
	cacheLookups *prometheus.Desc
	pending      *prometheus.Desc
	peakPending  *prometheus.Desc
	steals       *prometheus.Desc
	compileTime  *prometheus.Desc
	promotions   *prometheus.Desc
	records      *prometheus.Desc
	tracked      *prometheus.Desc
	versions     *prometheus.Desc
	arenaUsed    *prometheus.Desc
	workerTasks  *prometheus.Desc
}

// NewCollector 创建采集器，constLabels 附加到所有指标
func NewCollector(namespace string, src Source, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Collector{
		src:          src,
		compilations: desc("compilations_total", "Finished compilations by result.", "result"),
		cacheLookups: desc("cache_lookups_total", "Content-hash cache lookups by result.", "result"),
		pending:      desc("pending_tasks", "Submitted compilations not yet finished."),
		peakPending:  desc("peak_pending_tasks", "Highest number of pending compilations observed."),
		steals:       desc("steals_total", "Tasks taken from another worker's local queue."),
		compileTime:  desc("compile_seconds_total", "Cumulative time spent in successful compilations."),
		promotions:   desc("hotspot_promotions_total", "Blocks promoted from warm to hot."),
		records:      desc("hotspot_records_total", "Recorded block executions."),
		tracked:      desc("tracked_blocks", "Blocks with an execution profile."),
		versions:     desc("code_versions", "Compiled code versions currently stored."),
		arenaUsed:    desc("arena_bytes_used", "Bytes occupied in the code arena."),
		workerTasks:  desc("worker_tasks_total", "Tasks processed per worker.", "worker"),
	}
}

// Describe 实现 prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compilations
	ch <- c.cacheLookups
	ch <- c.pending
	ch <- c.peakPending
	ch <- c.steals
	ch <- c.compileTime
	ch <- c.promotions
	ch <- c.records
	ch <- c.tracked
	ch <- c.versions
	ch <- c.arenaUsed
	ch <- c.workerTasks
}

// Collect 实现 prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	sched := st.Scheduler

	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.compilations, float64(sched.Successful), "success")
	counter(c.compilations, float64(sched.Failed), "failure")
	counter(c.cacheLookups, float64(sched.CacheHits), "hit")
	counter(c.cacheLookups, float64(sched.CacheMisses), "miss")
	gauge(c.pending, float64(sched.Pending))
	gauge(c.peakPending, float64(sched.PeakPending))
	counter(c.steals, float64(sched.Steals))
	counter(c.compileTime, sched.TotalCompileTime.Seconds())
	counter(c.promotions, float64(st.Hotspot.Promotions))
	counter(c.records, float64(st.Hotspot.TotalRecords))
	gauge(c.tracked, float64(st.Hotspot.Tracked))
	gauge(c.versions, float64(st.Versions))
	gauge(c.arenaUsed, float64(st.ArenaUsed))
	for _, w := range sched.Workers {
		counter(c.workerTasks, float64(w.Processed), strconv.Itoa(w.ID))
	}
}

// Register 创建采集器并注册，jit_id 作为常量标签
func Register(reg prometheus.Registerer, tc *jit.TieredCompiler) (*Collector, error) {
	c := NewCollector("tierjit", tc, prometheus.Labels{"jit_id": tc.ID().String()})
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
