// optimizer.go - 块级 IR 优化器
//
// 本文件实现了两个纯函数式的窥孔 Pass：
//
// 1. ConstantFolding - 常量折叠：两个操作数都是已知常量的运算改写为 movi
// 2. DeadCodeElimination - 死代码消除：反向活跃性扫描，删除结果未被读取的定义
//
// 两个 Pass 可以独立开关，迭代执行直到没有更多变化为止。
// 优化器从不修改输入块，总是返回新的操作序列。

package optimizer

import (
	"github.com/tangzhangming/tierjit/internal/ir"
)

// maxIterations 迭代上限
const maxIterations = 10

// Config 优化器配置
type Config struct {
	ConstantFolding     bool `toml:"constant_folding" yaml:"constant_folding"`
	DeadCodeElimination bool `toml:"dead_code_elimination" yaml:"dead_code_elimination"`
}

// DefaultConfig 默认开启全部 Pass
func DefaultConfig() Config {
	return Config{ConstantFolding: true, DeadCodeElimination: true}
}

// Stats 一次优化的统计
type Stats struct {
	Folded  int // 被折叠的操作数
	Removed int // 被删除的操作数
	Passes  int // 迭代轮数
}

// Optimizer IR 优化器
type Optimizer struct {
	cfg Config
}

// New 创建优化器
func New(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg}
}

// Config 返回当前配置
func (o *Optimizer) Config() Config {
	return o.cfg
}

// Optimize 优化一个块，返回新块
func (o *Optimizer) Optimize(blk *ir.Block) (*ir.Block, Stats) {
	out := blk.Clone()
	var stats Stats
	if !o.cfg.ConstantFolding && !o.cfg.DeadCodeElimination {
		return out, stats
	}

	for i := 0; i < maxIterations; i++ {
		stats.Passes++
		changed := false

		if o.cfg.ConstantFolding {
			var n int
			out.Ops, n = foldConstants(out.Ops)
			stats.Folded += n
			changed = n > 0 || changed
		}
		if o.cfg.DeadCodeElimination {
			var n int
			out.Ops, n = eliminateDeadCode(out.Ops, liveRoots(out))
			stats.Removed += n
			changed = n > 0 || changed
		}

		if !changed {
			break
		}
	}
	return out, stats
}

// ConstantFolding 单独执行常量折叠直到不动点
func ConstantFolding(ops []ir.Op) []ir.Op {
	out := append([]ir.Op(nil), ops...)
	for i := 0; i < maxIterations; i++ {
		var n int
		out, n = foldConstants(out)
		if n == 0 {
			break
		}
	}
	return out
}

// DeadCodeElimination 单独执行死代码消除，live 为出口活跃寄存器
func DeadCodeElimination(ops []ir.Op, live ...ir.Reg) []ir.Op {
	set := make(map[ir.Reg]struct{}, len(live))
	for _, r := range live {
		set[r] = struct{}{}
	}
	out, _ := eliminateDeadCode(ops, set)
	return out
}

func liveRoots(blk *ir.Block) map[ir.Reg]struct{} {
	live := make(map[ir.Reg]struct{}, len(blk.LiveOut)+1)
	for _, r := range blk.LiveOut {
		live[r] = struct{}{}
	}
	for _, r := range blk.Term.Uses() {
		live[r] = struct{}{}
	}
	return live
}

// ============================================================================
// 常量折叠
// ============================================================================

// foldConstants 前向扫描，记录已知常量并改写可折叠的运算
func foldConstants(ops []ir.Op) ([]ir.Op, int) {
	consts := make(map[ir.Reg]int64)
	out := make([]ir.Op, len(ops))
	folded := 0

	for i, op := range ops {
		out[i] = op
		if op.Code == ir.OpMovImm {
			consts[op.Dst] = op.Imm
			continue
		}

		if v, ok := tryFold(op, consts); ok {
			out[i] = ir.MovImm(op.Dst, v)
			consts[op.Dst] = v
			folded++
			continue
		}

		if d, ok := op.Def(); ok {
			delete(consts, d)
		}
	}
	return out, folded
}

// tryFold 尝试在编译期计算操作结果
func tryFold(op ir.Op, consts map[ir.Reg]int64) (int64, bool) {
	switch {
	case op.IsBinary():
		a, okA := consts[op.Src1]
		b, okB := consts[op.Src2]
		if !okA || !okB {
			return 0, false
		}
		return evalBinary(op, a, b)

	case op.IsImmediate():
		a, ok := consts[op.Src1]
		if !ok {
			return 0, false
		}
		return evalImmediate(op.Code, a, op.Imm), true

	case op.Code == ir.OpMov:
		a, ok := consts[op.Src1]
		return a, ok

	case op.Code == ir.OpNot:
		a, ok := consts[op.Src1]
		return ^a, ok
	}
	return 0, false
}

func evalBinary(op ir.Op, a, b int64) (int64, bool) {
	switch op.Code {
	case ir.OpAdd:
		return a + b, true
	case ir.OpSub:
		return a - b, true
	case ir.OpMul:
		return a * b, true
	case ir.OpAnd:
		return a & b, true
	case ir.OpOr:
		return a | b, true
	case ir.OpXor:
		return a ^ b, true
	case ir.OpSll:
		return int64(uint64(a) << (uint64(b) & 63)), true
	case ir.OpSrl:
		return int64(uint64(a) >> (uint64(b) & 63)), true
	case ir.OpSra:
		return a >> (uint64(b) & 63), true
	case ir.OpDiv, ir.OpRem:
		// 除零留给运行时处理
		if b == 0 {
			return 0, false
		}
		return evalDivRem(op, a, b), true
	case ir.OpCmpEq:
		return boolToInt(a == b), true
	case ir.OpCmpNe:
		return boolToInt(a != b), true
	case ir.OpCmpLt:
		return boolToInt(a < b), true
	case ir.OpCmpLtU:
		return boolToInt(uint64(a) < uint64(b)), true
	case ir.OpCmpGe:
		return boolToInt(a >= b), true
	case ir.OpCmpGeU:
		return boolToInt(uint64(a) >= uint64(b)), true
	}
	return 0, false
}

func evalDivRem(op ir.Op, a, b int64) int64 {
	if op.Signed {
		if op.Code == ir.OpDiv {
			return a / b
		}
		return a % b
	}
	if op.Code == ir.OpDiv {
		return int64(uint64(a) / uint64(b))
	}
	return int64(uint64(a) % uint64(b))
}

func evalImmediate(code ir.Opcode, a, imm int64) int64 {
	switch code {
	case ir.OpAddImm:
		return a + imm
	case ir.OpMulImm:
		return a * imm
	case ir.OpSllImm:
		return int64(uint64(a) << (uint64(imm) & 63))
	case ir.OpSrlImm:
		return int64(uint64(a) >> (uint64(imm) & 63))
	default: // OpSraImm
		return a >> (uint64(imm) & 63)
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// 死代码消除
// ============================================================================

// eliminateDeadCode 反向活跃性扫描
//
// live 在调用后会被修改。
func eliminateDeadCode(ops []ir.Op, live map[ir.Reg]struct{}) ([]ir.Op, int) {
	keep := make([]bool, len(ops))
	kept := 0

	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.Code == ir.OpNop {
			continue
		}

		if !op.HasSideEffect() {
			d, ok := op.Def()
			if !ok {
				continue
			}
			if _, isLive := live[d]; !isLive {
				continue
			}
			delete(live, d)
		}

		keep[i] = true
		kept++
		for _, r := range op.Uses() {
			live[r] = struct{}{}
		}
	}

	out := make([]ir.Op, 0, kept)
	for i, op := range ops {
		if keep[i] {
			out = append(out, op)
		}
	}
	return out, len(ops) - kept
}
