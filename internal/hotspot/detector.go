// detector.go - 热点检测
//
// 本文件实现了按块起始地址的执行计数，用于决定哪些块值得编译。
//
// 状态转换：
//   Cold     没有计数（从未执行）
//   Warm     已执行但未达到阈值，解释执行
//   Hot      计数达到阈值，可以编译（每个地址只晋升一次）
//   Compiled 有启用的已编译版本
//   Disabled 有版本但被禁用，与 Warm 一样解释执行，计数和历史都保留
//
// Compiled 和 Disabled 可以来回切换，没有终止状态。
// 编译失败会把块退回 Warm，失败次数未超过上限时下一次执行会重新晋升。
//
// 使用方式：
//   state, promoted := d.Record(addr)  // 记录一次执行
//   if promoted { ... }                 // 提交编译
//   d.MarkCompiled(addr)

package hotspot

import (
	"math/bits"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/ir"
)

const (
	// DefaultThreshold 默认热点阈值
	DefaultThreshold = 100
	// DefaultMaxCompileFailures 编译失败次数上限
	DefaultMaxCompileFailures = 3
	// MaxPriority 最高优先级
	MaxPriority = 10
)

// ============================================================================
// 热点状态
// ============================================================================

// State 热点状态
type State int32

const (
	StateCold     State = iota // 冷代码
	StateWarm                  // 温代码
	StateHot                   // 热点
	StateCompiled              // 已编译
	StateDisabled              // 已禁用
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	case StateHot:
		return "hot"
	case StateCompiled:
		return "compiled"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Interpreted 该状态下块是否解释执行
func (s State) Interpreted() bool {
	return s != StateCompiled
}

// ============================================================================
// 块档案
// ============================================================================

// profile 块执行档案
type profile struct {
	addr   ir.GuestAddr
	count  atomic.Int64
	state  atomic.Int32
	fails  atomic.Int32
	lastNs atomic.Int64
}

func (p *profile) loadState() State {
	return State(p.state.Load())
}

func (p *profile) cas(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// Hotspot 档案快照
type Hotspot struct {
	Addr         ir.GuestAddr
	Count        int64
	State        State
	LastUpdate   time.Time
	Priority     int
	CompileFails int
}

// ============================================================================
// 热点检测器
// ============================================================================

// Options 检测器选项
type Options struct {
	Threshold          int64
	MaxCompileFailures int
	CountOnly          bool // 只计数不晋升，块停留在 Warm
	Clock              func() time.Time
}

// Detector 热点检测器
type Detector struct {
	threshold   int64
	maxFailures int32
	countOnly   bool
	now         func() time.Time

	profiles sync.Map // ir.GuestAddr -> *profile

	// 统计
	totalRecords atomic.Int64
	promotions   atomic.Int64
	enabled      atomic.Bool
}

// New 创建热点检测器
func New(opts Options) *Detector {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxCompileFailures <= 0 {
		opts.MaxCompileFailures = DefaultMaxCompileFailures
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	d := &Detector{
		threshold:   opts.Threshold,
		maxFailures: int32(opts.MaxCompileFailures),
		countOnly:   opts.CountOnly,
		now:         opts.Clock,
	}
	d.enabled.Store(true)
	return d
}

// Threshold 热点阈值
func (d *Detector) Threshold() int64 {
	return d.threshold
}

// SetEnabled 启用/禁用热点检测
func (d *Detector) SetEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

// IsEnabled 检查是否启用
func (d *Detector) IsEnabled() bool {
	return d.enabled.Load()
}

// Record 记录一次执行
//
// 计数达到阈值时 Warm -> Hot，promoted 只在真正完成转换的那一次调用中为 true。
func (d *Detector) Record(addr ir.GuestAddr) (State, bool) {
	if !d.IsEnabled() {
		return d.State(addr), false
	}

	d.totalRecords.Inc()
	p := d.getOrCreate(addr)
	count := p.count.Inc()
	p.lastNs.Store(d.now().UnixNano())

	state := p.loadState()
	if d.countOnly {
		return state, false
	}
	if state == StateWarm && count >= d.threshold && p.fails.Load() < d.maxFailures {
		if p.cas(StateWarm, StateHot) {
			d.promotions.Inc()
			return StateHot, true
		}
		state = p.loadState()
	}
	return state, false
}

// State 当前状态
func (d *Detector) State(addr ir.GuestAddr) State {
	if p, ok := d.lookup(addr); ok {
		return p.loadState()
	}
	return StateCold
}

// Count 执行次数
func (d *Detector) Count(addr ir.GuestAddr) int64 {
	if p, ok := d.lookup(addr); ok {
		return p.count.Load()
	}
	return 0
}

// IsHot 是否达到热点（含已编译和已禁用）
func (d *Detector) IsHot(addr ir.GuestAddr) bool {
	return d.State(addr) >= StateHot
}

// MarkCompiled 标记为已编译
func (d *Detector) MarkCompiled(addr ir.GuestAddr) {
	p := d.getOrCreate(addr)
	p.state.Store(int32(StateCompiled))
}

// MarkDisabled 已编译版本被禁用，回到解释执行
func (d *Detector) MarkDisabled(addr ir.GuestAddr) {
	if p, ok := d.lookup(addr); ok {
		p.state.Store(int32(StateDisabled))
	}
}

// MarkCompileFailed 记录编译失败并退回 Warm
//
// 已有编译版本的块保持 Compiled。
func (d *Detector) MarkCompileFailed(addr ir.GuestAddr) {
	p, ok := d.lookup(addr)
	if !ok {
		return
	}
	p.fails.Inc()
	p.cas(StateHot, StateWarm)
}

// Demote 提交没有成功（例如队列已满）时退回 Warm，不计入失败次数
//
// 下一次执行会重新晋升。
func (d *Detector) Demote(addr ir.GuestAddr) {
	if p, ok := d.lookup(addr); ok {
		p.cas(StateHot, StateWarm)
	}
}

// ShouldCompile 是否应该尝试编译
func (d *Detector) ShouldCompile(addr ir.GuestAddr) bool {
	p, ok := d.lookup(addr)
	if !ok {
		return false
	}
	return p.loadState() == StateHot && p.fails.Load() < d.maxFailures
}

// Snapshot 单个地址的快照
func (d *Detector) Snapshot(addr ir.GuestAddr) (Hotspot, bool) {
	p, ok := d.lookup(addr)
	if !ok {
		return Hotspot{Addr: addr, State: StateCold}, false
	}
	return d.snapshot(p), true
}

// Hotspots 按执行次数降序返回至少 Warm 的块，limit <= 0 表示全部
func (d *Detector) Hotspots(limit int) []Hotspot {
	var out []Hotspot
	d.profiles.Range(func(_, v interface{}) bool {
		out = append(out, d.snapshot(v.(*profile)))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Addr < out[j].Addr
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Priority 根据执行次数计算编译优先级
//
// 达到阈值为 1，之后每翻一倍加 1，最高 MaxPriority。
func (d *Detector) Priority(count int64) int {
	if count < d.threshold {
		return 0
	}
	p := bits.Len64(uint64(count / d.threshold))
	if p > MaxPriority {
		p = MaxPriority
	}
	return p
}

// ============================================================================
// 统计信息
// ============================================================================

// Stats 检测器统计
type Stats struct {
	TotalRecords int64
	Promotions   int64
	Tracked      int
}

// Stats 获取统计信息
func (d *Detector) Stats() Stats {
	tracked := 0
	d.profiles.Range(func(_, _ interface{}) bool {
		tracked++
		return true
	})
	return Stats{
		TotalRecords: d.totalRecords.Load(),
		Promotions:   d.promotions.Load(),
		Tracked:      tracked,
	}
}

// ============================================================================
// 辅助方法
// ============================================================================

func (d *Detector) lookup(addr ir.GuestAddr) (*profile, bool) {
	if v, ok := d.profiles.Load(addr); ok {
		return v.(*profile), true
	}
	return nil, false
}

// getOrCreate 获取或创建档案
func (d *Detector) getOrCreate(addr ir.GuestAddr) *profile {
	if v, ok := d.profiles.Load(addr); ok {
		return v.(*profile)
	}
	p := &profile{addr: addr}
	p.state.Store(int32(StateWarm))
	// 使用 LoadOrStore 避免竞态
	actual, _ := d.profiles.LoadOrStore(addr, p)
	return actual.(*profile)
}

func (d *Detector) snapshot(p *profile) Hotspot {
	count := p.count.Load()
	var last time.Time
	if ns := p.lastNs.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Hotspot{
		Addr:         p.addr,
		Count:        count,
		State:        p.loadState(),
		LastUpdate:   last,
		Priority:     d.Priority(count),
		CompileFails: int(p.fails.Load()),
	}
}
