// regalloc.go - 自适应寄存器分配器
//
// 本文件实现了两种寄存器分配算法，并按块大小自动选择：
//
// 1. 线性扫描 (Linear Scan)：O(n log n)，用于小块（少于 SmallBlockThreshold 条操作）
// 2. 图着色 (Graph Coloring)：构建冲突图后简化/选择，用于大块
//
// 两种算法共用同一套活跃区间分析和溢出槽分配：
// 溢出槽偏移从 -8 开始，每次溢出递减 8，同一个分配器实例内不会重复，
// 直到调用 Reset。寄存器耗尽永远不是错误，只会产生溢出。
//
// 使用方式：
//   ra := regalloc.New(regalloc.DefaultConfig())
//   res := ra.Allocate(block.Ops)
//   loc := res.Lookup(reg)
//   ra.Reset()                     // 处理下一个无关的块之前

package regalloc

import (
	"github.com/tangzhangming/tierjit/internal/ir"
)

const (
	// DefaultNumRegs 默认物理寄存器数量
	DefaultNumRegs = 31
	// DefaultSmallBlockThreshold 小块阈值
	DefaultSmallBlockThreshold = 50

	slotSize = 8
)

// Config 分配器配置
type Config struct {
	NumRegs             int    `toml:"num_regs" yaml:"num_regs"`
	SmallBlockThreshold int    `toml:"small_block_threshold" yaml:"small_block_threshold"`
	Strategy            string `toml:"strategy" yaml:"strategy"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		NumRegs:             DefaultNumRegs,
		SmallBlockThreshold: DefaultSmallBlockThreshold,
		Strategy:            Adaptive.String(),
	}
}

// Result 一次分配的结果
type Result struct {
	Strategy    Strategy
	Allocations map[ir.Reg]Allocation
	Intervals   []LiveInterval
	Spills      int // 本次溢出的虚拟寄存器数
	MaxLive     int // 同时占用物理寄存器的最大数量
	StackSize   int // 溢出区大小，16 字节对齐
}

// Lookup 查找虚拟寄存器的位置
func (r *Result) Lookup(reg ir.Reg) (Allocation, bool) {
	a, ok := r.Allocations[reg]
	return a, ok
}

// Allocator 自适应寄存器分配器
//
// 分配器不是并发安全的，每个编译线程持有自己的实例。
type Allocator struct {
	numRegs   int
	threshold int
	strategy  Strategy

	spillSlots int // 已分配的溢出槽数量
}

// New 创建分配器
func New(cfg Config) *Allocator {
	if cfg.NumRegs <= 0 {
		cfg.NumRegs = DefaultNumRegs
	}
	if cfg.SmallBlockThreshold <= 0 {
		cfg.SmallBlockThreshold = DefaultSmallBlockThreshold
	}
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		strategy = Adaptive
	}
	return &Allocator{
		numRegs:   cfg.NumRegs,
		threshold: cfg.SmallBlockThreshold,
		strategy:  strategy,
	}
}

// NumRegs 物理寄存器数量
func (a *Allocator) NumRegs() int {
	return a.numRegs
}

// Reset 清空溢出槽，处理无关的块之前调用
func (a *Allocator) Reset() {
	a.spillSlots = 0
}

// Allocate 为操作序列分配寄存器
func (a *Allocator) Allocate(ops []ir.Op) *Result {
	return a.allocate(ops, nil)
}

// AllocateBlock 为块分配寄存器，出口活跃和终结指令使用的寄存器活到块尾
func (a *Allocator) AllocateBlock(blk *ir.Block) *Result {
	roots := append(append([]ir.Reg(nil), blk.LiveOut...), blk.Term.Uses()...)
	return a.allocate(blk.Ops, roots)
}

func (a *Allocator) allocate(ops []ir.Op, liveOut []ir.Reg) *Result {
	strategy := a.strategy.Select(len(ops), a.threshold)
	res := &Result{
		Strategy:    strategy,
		Allocations: make(map[ir.Reg]Allocation),
	}
	if len(ops) == 0 {
		return res
	}

	res.Intervals = AnalyzeLifetimes(ops, liveOut...)
	switch strategy {
	case GraphColoring:
		a.graphColoring(res)
	default:
		a.linearScan(res)
	}

	res.MaxLive = maxLive(res)
	res.StackSize = (a.spillSlots*slotSize + 15) &^ 15
	return res
}

// nextSpillSlot 分配一个新的溢出槽
func (a *Allocator) nextSpillSlot() Allocation {
	a.spillSlots++
	return StackSlot(-a.spillSlots * slotSize)
}

func (a *Allocator) spill(res *Result, reg ir.Reg) {
	res.Allocations[reg] = a.nextSpillSlot()
	res.Spills++
}

// maxLive 统计任一位置同时占用物理寄存器的区间数
func maxLive(res *Result) int {
	if len(res.Intervals) == 0 {
		return 0
	}
	end := 0
	for _, li := range res.Intervals {
		if li.End > end {
			end = li.End
		}
	}
	delta := make([]int, end+1)
	for _, li := range res.Intervals {
		if res.Allocations[li.Reg].IsRegister() {
			delta[li.Start]++
			delta[li.End]--
		}
	}
	best, cur := 0, 0
	for _, d := range delta {
		cur += d
		if cur > best {
			best = cur
		}
	}
	return best
}
