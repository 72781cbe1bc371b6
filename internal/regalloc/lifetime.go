package regalloc

import (
	"sort"

	"github.com/tangzhangming/tierjit/internal/ir"
)

// ============================================================================
// 活跃区间
// ============================================================================

// LiveInterval 活跃区间 [Start, End)
// 位置是操作在块内的下标，End 等于 len(ops) 表示活到块出口
type LiveInterval struct {
	Reg   ir.Reg
	Start int
	End   int
}

// Overlaps 检查两个区间是否重叠
func (li LiveInterval) Overlaps(other LiveInterval) bool {
	return li.Start < other.End && other.Start < li.End
}

// Contains 位置是否在区间内
func (li LiveInterval) Contains(pos int) bool {
	return li.Start <= pos && pos < li.End
}

func (li *LiveInterval) extend(pos int) {
	if pos > li.End {
		li.End = pos
	}
}

// AnalyzeLifetimes 一次前向扫描计算每个虚拟寄存器的活跃区间
//
// 定义把区间至少延伸到下一个位置，使用把区间延伸到使用点。
// 先使用后定义的寄存器从块入口开始活跃，liveOut 中的寄存器活到块出口。
// 结果按 Start 排序，Start 相同按寄存器编号排序。
func AnalyzeLifetimes(ops []ir.Op, liveOut ...ir.Reg) []LiveInterval {
	if len(ops) == 0 && len(liveOut) == 0 {
		return nil
	}

	byReg := make(map[ir.Reg]*LiveInterval)
	get := func(r ir.Reg, pos int) *LiveInterval {
		li, ok := byReg[r]
		if !ok {
			li = &LiveInterval{Reg: r, Start: pos, End: pos}
			byReg[r] = li
		}
		return li
	}

	for pos, op := range ops {
		for _, r := range op.Uses() {
			// 使用前没有定义：块入口活跃
			li := get(r, 0)
			li.extend(pos)
		}
		if d, ok := op.Def(); ok {
			li := get(d, pos)
			li.extend(pos + 1)
		}
	}

	end := len(ops)
	for _, r := range liveOut {
		li := get(r, 0)
		li.extend(end)
	}

	intervals := make([]LiveInterval, 0, len(byReg))
	for _, li := range byReg {
		// 只被读取一次且在入口的寄存器也要占一个位置
		if li.End <= li.Start {
			li.End = li.Start + 1
		}
		intervals = append(intervals, *li)
	}
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].Start != intervals[j].Start {
			return intervals[i].Start < intervals[j].Start
		}
		return intervals[i].Reg < intervals[j].Reg
	})
	return intervals
}
