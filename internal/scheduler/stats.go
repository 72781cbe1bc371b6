package scheduler

import (
	"time"

	"go.uber.org/atomic"
)

// counters 调度器内部计数，全部为原子量
type counters struct {
	submitted   atomic.Int64
	successful  atomic.Int64
	failed      atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	totalTimeNs atomic.Int64
	totalWaitNs atomic.Int64
	peakPending atomic.Int64
	steals      atomic.Int64
	localPops   atomic.Int64
	globalPops  atomic.Int64
}

// Stats 调度器统计快照
//
// 所有任务完成后 Successful + Failed == Submitted。
type Stats struct {
	Submitted        int64
	Successful       int64
	Failed           int64
	CacheHits        int64
	CacheMisses      int64
	TotalCompileTime time.Duration // 仅统计成功的任务
	TotalWait        time.Duration
	Pending          int64
	PeakPending      int64
	Steals           int64
	LocalPops        int64
	GlobalPops       int64
	GlobalQueueLen   int
	Workers          []WorkerStats
}

// WorkerStats 单个工作线程的统计
type WorkerStats struct {
	ID        int
	Processed int64
	Failed    int64
	Stolen    int64
	Busy      time.Duration
	QueueLen  int
}

// Completed 已完成（成功或失败）的任务数
func (s Stats) Completed() int64 {
	return s.Successful + s.Failed
}

// AvgCompileTime 成功任务的平均编译耗时
func (s Stats) AvgCompileTime() time.Duration {
	if s.Successful == 0 {
		return 0
	}
	return s.TotalCompileTime / time.Duration(s.Successful)
}

// AvgWait 平均排队时间
func (s Stats) AvgWait() time.Duration {
	if n := s.Completed(); n > 0 {
		return s.TotalWait / time.Duration(n)
	}
	return 0
}

// CacheHitRate 成功任务中命中内容哈希缓存的比例
func (s Stats) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Stats 返回统计快照
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Submitted:        s.stats.submitted.Load(),
		Successful:       s.stats.successful.Load(),
		Failed:           s.stats.failed.Load(),
		CacheHits:        s.stats.cacheHits.Load(),
		CacheMisses:      s.stats.cacheMisses.Load(),
		TotalCompileTime: time.Duration(s.stats.totalTimeNs.Load()),
		TotalWait:        time.Duration(s.stats.totalWaitNs.Load()),
		Pending:          s.pending.Load(),
		PeakPending:      s.stats.peakPending.Load(),
		Steals:           s.stats.steals.Load(),
		LocalPops:        s.stats.localPops.Load(),
		GlobalPops:       s.stats.globalPops.Load(),
		GlobalQueueLen:   s.global.len(),
		Workers:          make([]WorkerStats, len(s.workers)),
	}
	for i, w := range s.workers {
		st.Workers[i] = WorkerStats{
			ID:        w.id,
			Processed: w.processed.Load(),
			Failed:    w.failed.Load(),
			Stolen:    w.stolen.Load(),
			Busy:      time.Duration(w.busyNs.Load()),
			QueueLen:  w.local.len(),
		}
	}
	return st
}
