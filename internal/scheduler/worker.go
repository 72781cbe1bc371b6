package scheduler

import (
	"time"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/regalloc"
)

// worker 一个编译工作线程
//
// alloc 只被本线程使用，每个任务前 Reset。
type worker struct {
	id    int
	sched *Scheduler
	local localQueue
	alloc *regalloc.Allocator

	// sinceGlobal 自上次检查全局队列以来的本地弹出次数，只被本线程访问
	sinceGlobal int

	processed atomic.Int64
	failed    atomic.Int64
	stolen    atomic.Int64
	busyNs    atomic.Int64
}

func (w *worker) run() {
	s := w.sched
	for !s.closed.Load() {
		t := w.next()
		if t == nil {
			time.Sleep(s.idleSleep)
			continue
		}
		w.process(t)
	}
}

// next 按 本地 -> 全局 -> 窃取 的顺序取任务
func (w *worker) next() *Task {
	s := w.sched

	if fi := s.cfg.FairnessInterval; fi > 0 && w.sinceGlobal >= fi {
		w.sinceGlobal = 0
		if t := w.fromGlobal(); t != nil {
			return t
		}
	}

	if t := w.local.pop(); t != nil {
		w.sinceGlobal++
		s.stats.localPops.Inc()
		return t
	}

	if t := w.fromGlobal(); t != nil {
		w.sinceGlobal = 0
		return t
	}

	return w.steal()
}

// fromGlobal 从全局队列搬运一批，返回第一个，其余放进本地队列
func (w *worker) fromGlobal() *Task {
	s := w.sched
	batch := s.global.popBatch(s.cfg.GlobalBatch)
	if len(batch) == 0 {
		return nil
	}
	s.stats.globalPops.Add(int64(len(batch)))
	for _, t := range batch[1:] {
		w.local.push(t)
	}
	return batch[0]
}

func (w *worker) steal() *Task {
	s := w.sched
	n := len(s.workers)
	if n < 2 {
		return nil
	}
	victim := s.workers[(w.id+1)%n]
	t := victim.local.steal()
	if t != nil {
		s.stats.steals.Inc()
		w.stolen.Inc()
	}
	return t
}

func (w *worker) process(t *Task) {
	res := w.sched.compile(w, t)
	w.processed.Inc()
	w.busyNs.Add(res.Duration.Nanoseconds())
	if res.Err != nil {
		w.failed.Inc()
	}
	w.sched.finish(t, res)
}
