// Package jit 分层编译入口
//
// TieredCompiler 把热点检测、编译调度和版本管理串起来：
//
//   执行引擎 RecordExecution(addr)
//     -> 热点检测器计数，首次越过阈值时晋升为 Hot
//     -> 从 BlockProvider 取 IR 块，按热度换算优先级提交给调度器
//     -> 工作线程 优化 / 分配寄存器 / 发射 / 注册版本
//     -> 执行引擎下一次调用 GetCachedCode(addr) 拿到当前启用的版本
//
// 编译失败或版本操作失败时，之前启用的版本保持不变。
package jit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/backend"
	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/hotspot"
	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/logging"
	"github.com/tangzhangming/tierjit/internal/optimizer"
	"github.com/tangzhangming/tierjit/internal/scheduler"
	"github.com/tangzhangming/tierjit/internal/version"
)

// BlockProvider 按地址提供 IR 块
type BlockProvider interface {
	Block(addr ir.GuestAddr) (*ir.Block, bool)
}

// BlockProviderFunc 函数适配器
type BlockProviderFunc func(addr ir.GuestAddr) (*ir.Block, bool)

// Block 实现 BlockProvider
func (f BlockProviderFunc) Block(addr ir.GuestAddr) (*ir.Block, bool) {
	return f(addr)
}

// Options 外部依赖，全部可选
type Options struct {
	Logger   *zap.Logger     // nil 时按 Config.Log 构造
	Backend  backend.Backend // nil 时使用 amd64 后端
	Provider BlockProvider   // nil 时 RecordExecution 只计数
	Clock    func() time.Time
}

// TieredCompiler 分层编译器
type TieredCompiler struct {
	id       uuid.UUID
	cfg      Config
	log      *zap.Logger
	provider BlockProvider

	detector *hotspot.Detector
	versions *version.Registry
	sched    *scheduler.Scheduler
	arena    *backend.Arena
}

// New 创建分层编译器并启动工作线程
func New(cfg Config, opts Options) (*TieredCompiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		var err error
		if log, err = logging.New(cfg.Log); err != nil {
			return nil, err
		}
	}
	id := uuid.New()
	log = log.Named("jit").With(zap.String("jit_id", id.String()))

	be := opts.Backend
	if be == nil {
		be = backend.NewAMD64()
	}

	var arena *backend.Arena
	if cfg.Arena.Enabled {
		var err error
		if arena, err = backend.NewArena(cfg.Arena.Size); err != nil {
			return nil, jiterrors.Wrap(err, "failed to map code arena")
		}
	}

	vopts := version.Options{
		MaxVersions: cfg.Versions.MaxVersions,
		LockTimeout: time.Duration(cfg.Versions.LockTimeoutMs) * time.Millisecond,
		Logger:      log,
		Clock:       opts.Clock,
	}
	if arena != nil {
		vopts.OnEvict = func(b *version.CompiledCodeBlock) {
			if b.Handle >= 0 {
				arena.Release(backend.Handle(b.Handle))
			}
		}
	}
	versions := version.NewRegistry(vopts)

	sched, err := scheduler.New(cfg.Scheduler, scheduler.Options{
		Optimizer: optimizer.New(cfg.Optimizer),
		RegAlloc:  cfg.RegAlloc,
		Backend:   be,
		Versions:  versions,
		Arena:     arena,
		Logger:    log,
	})
	if err != nil {
		if arena != nil {
			_ = arena.Close()
		}
		return nil, err
	}

	// 没有自动编译时晋升为 Hot 的块无人处理，只计数
	countOnly := !cfg.Enabled || opts.Provider == nil
	c := &TieredCompiler{
		id:       id,
		cfg:      cfg,
		log:      log,
		provider: opts.Provider,
		detector: hotspot.New(hotspot.Options{
			Threshold:          cfg.Hotspot.Threshold,
			MaxCompileFailures: cfg.Hotspot.MaxCompileFailures,
			CountOnly:          countOnly,
			Clock:              opts.Clock,
		}),
		versions: versions,
		sched:    sched,
		arena:    arena,
	}
	sched.Start()
	log.Info("tiered compiler started",
		zap.String("backend", be.Name()),
		zap.Int("workers", sched.NumWorkers()),
		zap.Int64("threshold", c.detector.Threshold()))
	return c, nil
}

// ID 实例标识
func (c *TieredCompiler) ID() uuid.UUID {
	return c.id
}

// Config 生效的配置
func (c *TieredCompiler) Config() Config {
	return c.cfg
}

// Detector 热点检测器
func (c *TieredCompiler) Detector() *hotspot.Detector {
	return c.detector
}

// Versions 版本注册表
func (c *TieredCompiler) Versions() *version.Registry {
	return c.versions
}

// ============================================================================
// 执行引擎接口
// ============================================================================

// RecordExecution 记录一次执行，块刚变热时提交异步编译
func (c *TieredCompiler) RecordExecution(addr ir.GuestAddr) hotspot.State {
	state, promoted := c.detector.Record(addr)
	if !promoted {
		return state
	}

	blk, ok := c.provider.Block(addr)
	if !ok || blk == nil {
		c.log.Debug("no IR for hot block", zap.Uint64("addr", uint64(addr)))
		c.detector.MarkCompileFailed(addr)
		return c.detector.State(addr)
	}

	priority := c.detector.Priority(c.detector.Count(addr))
	if _, err := c.sched.Submit(blk, priority, c.onResult(nil)); err != nil {
		c.log.Warn("hot block not submitted", zap.Uint64("addr", uint64(addr)), zap.Error(err))
		c.detector.Demote(addr)
		return c.detector.State(addr)
	}
	c.log.Debug("hot block submitted",
		zap.Uint64("addr", uint64(addr)), zap.Int("priority", priority))
	return state
}

// GetCachedCode 返回地址当前启用的编译版本
//
// 当前版本被禁用或尚未编译时返回 false，调用方应解释执行。
func (c *TieredCompiler) GetCachedCode(addr ir.GuestAddr) (*version.CompiledCodeBlock, bool) {
	mgr, ok := c.versions.Lookup(addr)
	if !ok {
		return nil, false
	}
	cur, ok := mgr.Current()
	if !ok || !cur.Enabled() {
		return nil, false
	}
	return cur, true
}

// CodeBytes 返回编译版本在代码区中的字节，没有代码区时返回产物自身的字节
func (c *TieredCompiler) CodeBytes(code *version.CompiledCodeBlock) []byte {
	if c.arena != nil && code.Handle >= 0 {
		if b := c.arena.Bytes(backend.Handle(code.Handle)); b != nil {
			return b
		}
	}
	return code.Code
}

// ============================================================================
// 编译
// ============================================================================

// CompileAsync 异步编译
func (c *TieredCompiler) CompileAsync(blk *ir.Block) (uint64, error) {
	return c.CompileAsyncWithCallback(blk, nil)
}

// CompileAsyncWithCallback 异步编译，完成后在工作线程上调用 cb
func (c *TieredCompiler) CompileAsyncWithCallback(blk *ir.Block, cb scheduler.Callback) (uint64, error) {
	if blk == nil {
		return 0, jiterrors.InvalidConfig("nil block")
	}
	return c.sched.Submit(blk, c.priorityFor(blk.Start), c.onResult(cb))
}

// CompileSync 编译并等待结果
func (c *TieredCompiler) CompileSync(ctx context.Context, blk *ir.Block) (*version.CompiledCodeBlock, error) {
	if blk == nil {
		return nil, jiterrors.InvalidConfig("nil block")
	}
	done := make(chan scheduler.Result, 1)
	_, err := c.sched.Submit(blk, c.priorityFor(blk.Start), c.onResult(func(r scheduler.Result) {
		done <- r
	}))
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Code, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitAll 等待所有已提交的编译完成
func (c *TieredCompiler) WaitAll() {
	c.sched.WaitAll()
}

// WaitAllContext 等待所有已提交的编译完成或 ctx 结束
func (c *TieredCompiler) WaitAllContext(ctx context.Context) error {
	return c.sched.WaitAllContext(ctx)
}

func (c *TieredCompiler) priorityFor(addr ir.GuestAddr) int {
	if p := c.detector.Priority(c.detector.Count(addr)); p > 0 {
		return p
	}
	// 显式请求的编译没有热度信息时给一个中等优先级
	return scheduler.MaxPriority / 2
}

// onResult 把编译结果同步到热点状态，再转给调用方的回调
func (c *TieredCompiler) onResult(next scheduler.Callback) scheduler.Callback {
	return func(r scheduler.Result) {
		switch {
		case r.Err == nil:
			c.syncState(r.Addr)
		case jiterrors.Is(r.Err, jiterrors.ErrShutdown), jiterrors.IsRetryable(r.Err):
			c.detector.Demote(r.Addr)
		default:
			c.detector.MarkCompileFailed(r.Addr)
		}
		if next != nil {
			next(r)
		}
	}
}

// syncState 按当前版本的启用状态更新热点状态
func (c *TieredCompiler) syncState(addr ir.GuestAddr) {
	mgr, ok := c.versions.Lookup(addr)
	if !ok {
		return
	}
	cur, ok := mgr.Current()
	if !ok {
		return
	}
	if cur.Enabled() {
		c.detector.MarkCompiled(addr)
	} else {
		c.detector.MarkDisabled(addr)
	}
}

// ============================================================================
// 版本操作
// ============================================================================

func (c *TieredCompiler) manager(addr ir.GuestAddr, v version.CodeVersion) (*version.Manager, error) {
	mgr, ok := c.versions.Lookup(addr)
	if !ok {
		return nil, jiterrors.Wrap(jiterrors.VersionNotFound(uint64(v)), "no versions for address "+addr.String())
	}
	return mgr, nil
}

// Current 地址的当前版本（不论是否启用）
func (c *TieredCompiler) Current(addr ir.GuestAddr) (*version.CompiledCodeBlock, bool) {
	mgr, ok := c.versions.Lookup(addr)
	if !ok {
		return nil, false
	}
	return mgr.Current()
}

// Version 获取指定版本
func (c *TieredCompiler) Version(addr ir.GuestAddr, v version.CodeVersion) (*version.CompiledCodeBlock, bool) {
	mgr, ok := c.versions.Lookup(addr)
	if !ok {
		return nil, false
	}
	return mgr.Get(v)
}

// Switch 切换当前版本
func (c *TieredCompiler) Switch(addr ir.GuestAddr, v version.CodeVersion) error {
	mgr, err := c.manager(addr, v)
	if err != nil {
		return err
	}
	if err := mgr.Switch(v); err != nil {
		return err
	}
	c.syncState(addr)
	return nil
}

// Rollback 回滚到上一个不同的版本
func (c *TieredCompiler) Rollback(addr ir.GuestAddr) (version.CodeVersion, error) {
	mgr, err := c.manager(addr, 0)
	if err != nil {
		return 0, err
	}
	v, err := mgr.Rollback()
	if err != nil {
		return 0, err
	}
	c.log.Info("rolled back", zap.Uint64("addr", uint64(addr)), zap.Uint64("version", uint64(v)))
	c.syncState(addr)
	return v, nil
}

// Disable 禁用版本，当前版本被禁用时块回到解释执行
func (c *TieredCompiler) Disable(addr ir.GuestAddr, v version.CodeVersion) error {
	mgr, err := c.manager(addr, v)
	if err != nil {
		return err
	}
	if err := mgr.Disable(v); err != nil {
		return err
	}
	c.syncState(addr)
	return nil
}

// Enable 重新启用版本
func (c *TieredCompiler) Enable(addr ir.GuestAddr, v version.CodeVersion) error {
	mgr, err := c.manager(addr, v)
	if err != nil {
		return err
	}
	if err := mgr.Enable(v); err != nil {
		return err
	}
	c.syncState(addr)
	return nil
}

// History 地址的版本历史
func (c *TieredCompiler) History(addr ir.GuestAddr) []version.HistoryEntry {
	mgr, ok := c.versions.Lookup(addr)
	if !ok {
		return nil
	}
	return mgr.History()
}

// State 地址的分层状态
func (c *TieredCompiler) State(addr ir.GuestAddr) hotspot.State {
	return c.detector.State(addr)
}

// Hotspots 执行次数最多的块
func (c *TieredCompiler) Hotspots(limit int) []hotspot.Hotspot {
	return c.detector.Hotspots(limit)
}

// ============================================================================
// 统计
// ============================================================================

// Stats 分层编译器统计
type Stats struct {
	ID        string
	Hotspot   hotspot.Stats
	Scheduler scheduler.Stats
	Addresses int
	Versions  int
	ArenaUsed int
	ArenaCap  int
}

// Stats 统计快照
func (c *TieredCompiler) Stats() Stats {
	st := Stats{
		ID:        c.id.String(),
		Hotspot:   c.detector.Stats(),
		Scheduler: c.sched.Stats(),
		Addresses: len(c.versions.Addrs()),
		Versions:  c.versions.TotalVersions(),
	}
	if c.arena != nil {
		st.ArenaUsed = c.arena.Used()
		st.ArenaCap = c.arena.Capacity()
	}
	return st
}

// CacheHitRate 编译请求命中内容哈希缓存的比例
func (c *TieredCompiler) CacheHitRate() float64 {
	return c.sched.Stats().CacheHitRate()
}

// AvgCompilationTimeUs 成功编译的平均耗时（微秒）
func (c *TieredCompiler) AvgCompilationTimeUs() float64 {
	return float64(c.sched.Stats().AvgCompileTime()) / float64(time.Microsecond)
}

// Close 停止调度器并释放代码区
func (c *TieredCompiler) Close() error {
	err := c.sched.Shutdown()
	if c.arena != nil {
		err = multierr.Append(err, c.arena.Close())
	}
	st := c.sched.Stats()
	c.log.Info("tiered compiler stopped",
		zap.Int64("compiled", st.Successful),
		zap.Int64("failed", st.Failed),
		zap.Int64("cache_hits", st.CacheHits))
	_ = c.log.Sync()
	return err
}
