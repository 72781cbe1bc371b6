// scheduler.go - 工作窃取编译调度器
//
// 固定数量的工作线程各自持有一个本地队列，另有一个共享的全局队列：
//
//   Submit   -> 全局队列（先进先出）
//   SubmitTo -> 指定工作线程的本地队列（按优先级）
//
// 工作线程的取任务顺序：本地弹出 -> 全局弹出 -> 窃取 (id+1)%N -> 短暂休眠后重试。
// 每隔 FairnessInterval 次本地弹出会先看一眼全局队列，
// FairnessInterval 为 0 时全局任务可能在本地流量下饥饿。
//
// 每个任务依次经过：内容哈希查重 -> 优化 -> 寄存器分配 -> 发射 -> 注册版本 -> 回调，
// 最后更新原子计数并递减 pending。

package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/tierjit/internal/backend"
	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/logging"
	"github.com/tangzhangming/tierjit/internal/optimizer"
	"github.com/tangzhangming/tierjit/internal/regalloc"
	"github.com/tangzhangming/tierjit/internal/version"
)

const (
	// DefaultIdleSleep 队列全空时的休眠时长
	DefaultIdleSleep = 100 * time.Microsecond
	// DefaultFairnessInterval 每隔多少次本地弹出检查一次全局队列
	DefaultFairnessInterval = 61
	// DefaultGlobalBatch 一次从全局队列搬运的任务数
	DefaultGlobalBatch = 1
)

// ============================================================================
// 配置
// ============================================================================

// Config 调度器配置
type Config struct {
	Workers          int  `toml:"workers" yaml:"workers"`                     // 0 表示 runtime.NumCPU()
	MaxQueueSize     int  `toml:"max_queue_size" yaml:"max_queue_size"`       // 0 表示不限
	IdleSleepMicros  int  `toml:"idle_sleep_us" yaml:"idle_sleep_us"`         // 0 表示默认值
	FairnessInterval int  `toml:"fairness_interval" yaml:"fairness_interval"` // 0 表示从不插队检查全局队列
	GlobalBatch      int  `toml:"global_batch" yaml:"global_batch"`
	PinThreads       bool `toml:"pin_threads" yaml:"pin_threads"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		IdleSleepMicros:  int(DefaultIdleSleep / time.Microsecond),
		FairnessInterval: DefaultFairnessInterval,
		GlobalBatch:      DefaultGlobalBatch,
		PinThreads:       true,
	}
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.IdleSleepMicros <= 0 {
		c.IdleSleepMicros = int(DefaultIdleSleep / time.Microsecond)
	}
	if c.GlobalBatch <= 0 {
		c.GlobalBatch = DefaultGlobalBatch
	}
	if c.FairnessInterval < 0 {
		c.FairnessInterval = 0
	}
}

// Options 调度器依赖
//
// Versions 与 Backend 必填；其余为 nil 时使用默认实现。
type Options struct {
	Optimizer *optimizer.Optimizer
	RegAlloc  regalloc.Config
	Backend   backend.Backend
	Versions  *version.Registry
	Arena     *backend.Arena // 可选，编译产物同时写入代码区
	Logger    *zap.Logger
}

// ============================================================================
// 调度器
// ============================================================================

// Scheduler 工作窃取编译调度器
type Scheduler struct {
	cfg       Config
	idleSleep time.Duration
	opt       *optimizer.Optimizer
	be        backend.Backend
	versions  *version.Registry
	arena     *backend.Arena
	log       *zap.Logger

	workers []*worker
	global  globalQueue

	// submitMu 保证关闭之后不会再有任务入队
	submitMu sync.RWMutex
	closed   atomic.Bool
	started  atomic.Bool
	group    *errgroup.Group
	stopOnce sync.Once

	taskIDs atomic.Uint64
	pending atomic.Int64
	stats   counters
}

// New 创建调度器，工作线程在 Start 之前不会运行
//
// 在 Start 之前提交的任务会排队等待。
func New(cfg Config, opts Options) (*Scheduler, error) {
	cfg.normalize()
	if opts.Versions == nil {
		return nil, jiterrors.InvalidConfig("scheduler requires a version registry")
	}
	if opts.Backend == nil {
		return nil, jiterrors.InvalidConfig("scheduler requires a backend")
	}
	if opts.Optimizer == nil {
		opts.Optimizer = optimizer.New(optimizer.DefaultConfig())
	}
	opts.Logger = logging.OrNop(opts.Logger)

	s := &Scheduler{
		cfg:       cfg,
		idleSleep: time.Duration(cfg.IdleSleepMicros) * time.Microsecond,
		opt:       opts.Optimizer,
		be:        opts.Backend,
		versions:  opts.Versions,
		arena:     opts.Arena,
		log:       opts.Logger.Named("scheduler"),
	}
	s.workers = make([]*worker, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = &worker{
			id:    i,
			sched: s,
			alloc: regalloc.New(opts.RegAlloc),
		}
	}
	return s, nil
}

// Config 返回生效的配置
func (s *Scheduler) Config() Config {
	return s.cfg
}

// NumWorkers 工作线程数
func (s *Scheduler) NumWorkers() int {
	return len(s.workers)
}

// Start 启动工作线程，重复调用无效果
func (s *Scheduler) Start() {
	if s.closed.Load() || !s.started.CompareAndSwap(false, true) {
		return
	}
	s.group = new(errgroup.Group)
	for _, w := range s.workers {
		w := w
		s.group.Go(func() error {
			if s.cfg.PinThreads {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
			}
			w.run()
			return nil
		})
	}
	s.log.Debug("scheduler started", zap.Int("workers", len(s.workers)))
}

// IsRunning 是否已启动且未关闭
func (s *Scheduler) IsRunning() bool {
	return s.started.Load() && !s.closed.Load()
}

// ============================================================================
// 提交
// ============================================================================

// Submit 把块提交到全局队列，返回任务 ID
//
// 调度器持有块的副本，调用方之后修改原块不影响编译。
func (s *Scheduler) Submit(blk *ir.Block, priority int, cb Callback) (uint64, error) {
	return s.enqueue(blk, priority, cb, func(t *Task) { s.global.push(t) })
}

// SubmitTo 把块提交到指定工作线程的本地队列
func (s *Scheduler) SubmitTo(workerID int, blk *ir.Block, priority int, cb Callback) (uint64, error) {
	if workerID < 0 || workerID >= len(s.workers) {
		return 0, jiterrors.InvalidConfig("worker %d out of range [0, %d)", workerID, len(s.workers))
	}
	w := s.workers[workerID]
	return s.enqueue(blk, priority, cb, func(t *Task) { w.local.push(t) })
}

func (s *Scheduler) enqueue(blk *ir.Block, priority int, cb Callback, push func(*Task)) (uint64, error) {
	if blk == nil {
		return 0, jiterrors.InvalidConfig("nil block")
	}

	s.submitMu.RLock()
	defer s.submitMu.RUnlock()

	if s.closed.Load() {
		return 0, jiterrors.Shutdown("scheduler")
	}
	if limit := s.cfg.MaxQueueSize; limit > 0 && s.pending.Load() >= int64(limit) {
		err := jiterrors.QueueFull(limit)
		s.log.Warn("submit rejected", zap.Uint64("addr", uint64(blk.Start)), zap.Error(err))
		return 0, err
	}

	t := &Task{
		ID:       s.taskIDs.Inc(),
		Addr:     blk.Start,
		Block:    blk.Clone(),
		Priority: clampPriority(priority),
		Callback: cb,
		enqueued: time.Now(),
	}
	n := s.pending.Inc()
	s.stats.submitted.Inc()
	for {
		peak := s.stats.peakPending.Load()
		if n <= peak || s.stats.peakPending.CompareAndSwap(peak, n) {
			break
		}
	}
	push(t)
	return t.ID, nil
}

// CompileSync 提交并阻塞到编译完成或 ctx 结束
//
// ctx 结束时任务仍留在队列里，稍后照常编译。
func (s *Scheduler) CompileSync(ctx context.Context, blk *ir.Block, priority int) (Result, error) {
	done := make(chan Result, 1)
	_, err := s.Submit(blk, priority, func(r Result) { done <- r })
	if err != nil {
		return Result{}, err
	}
	select {
	case r := <-done:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// ============================================================================
// 等待与关闭
// ============================================================================

// Pending 已提交但尚未完成的任务数
func (s *Scheduler) Pending() int64 {
	return s.pending.Load()
}

// WaitAll 轮询直到所有已提交任务完成
func (s *Scheduler) WaitAll() {
	for s.pending.Load() > 0 {
		time.Sleep(s.idleSleep)
	}
}

// WaitAllContext 与 WaitAll 相同，但可被 ctx 取消
func (s *Scheduler) WaitAllContext(ctx context.Context) error {
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.idleSleep):
		}
	}
	return nil
}

// Shutdown 停止接收任务并等待工作线程退出
//
// 正在编译的任务会完成；仍在排队的任务以 ErrShutdown 失败并触发回调。
// 重复调用无效果。
func (s *Scheduler) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		s.submitMu.Lock()
		s.closed.Store(true)
		s.submitMu.Unlock()

		if s.group != nil {
			err = s.group.Wait()
		}

		dropped := s.global.drain()
		for _, w := range s.workers {
			dropped = append(dropped, w.local.drain()...)
		}
		for _, t := range dropped {
			s.finish(t, Result{
				TaskID: t.ID,
				Addr:   t.Addr,
				Err:    jiterrors.Shutdown(fmt.Sprintf("task %d", t.ID)),
				Worker: -1,
				Wait:   time.Since(t.enqueued),
			})
		}
		s.log.Debug("scheduler stopped", zap.Int("dropped", len(dropped)))
	})
	return err
}

// ============================================================================
// 编译
// ============================================================================

// compile 在工作线程 w 上处理一个任务
func (s *Scheduler) compile(w *worker, t *Task) (res Result) {
	res = Result{
		TaskID: t.ID,
		Addr:   t.Addr,
		Worker: w.id,
		Wait:   time.Since(t.enqueued),
	}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
	}()

	hash := t.Block.Hash()
	mgr := s.versions.Manager(t.Addr)

	if existing, ok := mgr.FindByHash(hash); ok {
		res.CacheHit = true
		res.Version = existing.Version
		res.Code = existing
		if mgr.CurrentVersion() != existing.Version {
			if err := mgr.Switch(existing.Version); err != nil {
				res.Err = err
			}
		}
		return res
	}

	optimized, _ := s.opt.Optimize(t.Block)
	w.alloc.Reset()
	alloc := w.alloc.AllocateBlock(optimized)

	code, err := s.emit(optimized, alloc)
	if err != nil {
		res.Err = err
		return res
	}

	ccb := version.NewCompiledCodeBlock(0, t.Addr, hash, code.Bytes, code.EntryOffset)
	if s.arena != nil {
		h, err := s.arena.Put(code.Bytes)
		if err != nil {
			s.log.Debug("code arena rejected block",
				zap.Uint64("addr", uint64(t.Addr)), zap.Error(err))
		} else {
			ccb.Handle = int(h)
		}
	}

	v, err := mgr.Register(ccb)
	if err != nil {
		s.release(ccb.Handle)
		res.Err = err
		return res
	}
	res.Version = v
	res.Code, _ = mgr.Get(v)
	if res.Code != nil && res.Code.Handle != ccb.Handle {
		// 并发编译出相同内容，沿用已注册的版本
		s.release(ccb.Handle)
	}
	return res
}

// release 归还没有被任何版本持有的代码区句柄
func (s *Scheduler) release(h int) {
	if s.arena != nil && h >= 0 {
		s.arena.Release(backend.Handle(h))
	}
}

// emit 调用后端，后端 panic 转换为 CompilationFailure
func (s *Scheduler) emit(blk *ir.Block, alloc *regalloc.Result) (code backend.Code, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = jiterrors.CompilationFailure(nil, "backend %s panicked on block %#x: %v", s.be.Name(), uint64(blk.Start), r)
		}
	}()
	code, err = s.be.Emit(blk, alloc)
	if err != nil && !jiterrors.Is(err, jiterrors.ErrCompilationFailure) {
		err = jiterrors.CompilationFailure(err, "backend %s failed on block %#x", s.be.Name(), uint64(blk.Start))
	}
	return code, err
}

// finish 记账、回调并递减 pending
func (s *Scheduler) finish(t *Task, res Result) {
	s.stats.totalWaitNs.Add(res.Wait.Nanoseconds())
	if res.Err == nil {
		s.stats.successful.Inc()
		s.stats.totalTimeNs.Add(res.Duration.Nanoseconds())
		if res.CacheHit {
			s.stats.cacheHits.Inc()
		} else {
			s.stats.cacheMisses.Inc()
		}
	} else {
		s.stats.failed.Inc()
		s.logFailure(res)
	}

	if t.Callback != nil {
		s.runCallback(t.Callback, res)
	}
	s.pending.Dec()
}

func (s *Scheduler) logFailure(res Result) {
	fields := []zap.Field{
		zap.Uint64("task", res.TaskID),
		zap.Uint64("addr", uint64(res.Addr)),
		zap.String("code", jiterrors.Code(res.Err)),
		zap.Error(res.Err),
	}
	switch {
	case jiterrors.IsRetryable(res.Err):
		s.log.Warn("compilation lost a lock race", fields...)
	case jiterrors.Is(res.Err, jiterrors.ErrShutdown):
		s.log.Debug("compilation dropped at shutdown", fields...)
	default:
		s.log.Debug("compilation failed", fields...)
	}
}

func (s *Scheduler) runCallback(cb Callback, res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("compile callback panicked",
				zap.Uint64("task", res.TaskID), zap.Any("panic", r))
		}
	}()
	cb(res)
}
