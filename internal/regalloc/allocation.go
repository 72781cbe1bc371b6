package regalloc

import (
	"fmt"

	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
)

// ============================================================================
// 分配结果
// ============================================================================

type allocKind uint8

const (
	kindNone allocKind = iota
	kindRegister
	kindStack
)

// Allocation 一个虚拟寄存器的位置：物理寄存器或栈槽
type Allocation struct {
	kind   allocKind
	reg    int
	offset int
}

// PhysicalRegister 物理寄存器位置
func PhysicalRegister(id int) Allocation {
	return Allocation{kind: kindRegister, reg: id}
}

// StackSlot 栈槽位置，offset 为负的帧偏移
func StackSlot(offset int) Allocation {
	return Allocation{kind: kindStack, offset: offset}
}

// IsRegister 是否分配到物理寄存器
func (a Allocation) IsRegister() bool { return a.kind == kindRegister }

// IsStackSlot 是否溢出到栈
func (a Allocation) IsStackSlot() bool { return a.kind == kindStack }

// Register 物理寄存器编号，未分配寄存器时返回 -1
func (a Allocation) Register() int {
	if a.kind != kindRegister {
		return -1
	}
	return a.reg
}

// Offset 栈槽偏移，未溢出时返回 0
func (a Allocation) Offset() int {
	if a.kind != kindStack {
		return 0
	}
	return a.offset
}

func (a Allocation) String() string {
	switch a.kind {
	case kindRegister:
		return fmt.Sprintf("r%d", a.reg)
	case kindStack:
		return fmt.Sprintf("[fp%d]", a.offset)
	default:
		return "none"
	}
}

// ============================================================================
// 分配策略
// ============================================================================

// Strategy 分配算法
type Strategy uint8

const (
	// Adaptive 按块大小自动选择
	Adaptive Strategy = iota
	LinearScan
	GraphColoring
)

func (s Strategy) String() string {
	switch s {
	case LinearScan:
		return "linear-scan"
	case GraphColoring:
		return "graph-coloring"
	default:
		return "adaptive"
	}
}

// ParseStrategy 解析配置中的策略名
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "adaptive":
		return Adaptive, nil
	case "linear-scan", "linear":
		return LinearScan, nil
	case "graph-coloring", "coloring":
		return GraphColoring, nil
	}
	return Adaptive, jiterrors.InvalidConfig("unknown register allocation strategy %q", name)
}

// Select 按操作数选择具体算法
//
// 小块用线性扫描，大块用图着色。
func (s Strategy) Select(numOps, smallBlockThreshold int) Strategy {
	if s != Adaptive {
		return s
	}
	if numOps < smallBlockThreshold {
		return LinearScan
	}
	return GraphColoring
}
