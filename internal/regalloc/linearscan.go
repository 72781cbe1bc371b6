package regalloc

import (
	"sort"
)

// ============================================================================
// 线性扫描
// ============================================================================

// scanState 线性扫描的工作状态
type scanState struct {
	active   []LiveInterval // 按结束位置排序
	freeRegs []bool
}

// linearScan 线性扫描分配算法
//
// 没有空闲寄存器时，驱逐结束位置最早的活跃区间，
// 把它的物理寄存器交给当前区间，被驱逐的区间溢出到栈。
func (a *Allocator) linearScan(res *Result) {
	st := &scanState{
		active:   make([]LiveInterval, 0, a.numRegs),
		freeRegs: make([]bool, a.numRegs),
	}
	for i := range st.freeRegs {
		st.freeRegs[i] = true
	}

	for _, current := range res.Intervals {
		// 释放已经过期的区间
		st.expireOldIntervals(current, res)

		if reg := st.allocateFreeReg(); reg >= 0 {
			res.Allocations[current.Reg] = PhysicalRegister(reg)
			st.addToActive(current)
			continue
		}

		// 寄存器耗尽：驱逐最早结束的活跃区间
		victim := st.active[0]
		st.active = st.active[1:]
		reg := res.Allocations[victim.Reg].Register()
		a.spill(res, victim.Reg)

		res.Allocations[current.Reg] = PhysicalRegister(reg)
		st.addToActive(current)
	}
}

// expireOldIntervals 释放已经结束的区间
func (st *scanState) expireOldIntervals(current LiveInterval, res *Result) {
	n := 0
	for _, active := range st.active {
		if active.End <= current.Start {
			st.freeRegs[res.Allocations[active.Reg].Register()] = true
			continue
		}
		st.active[n] = active
		n++
	}
	st.active = st.active[:n]
}

// allocateFreeReg 取编号最小的空闲寄存器
func (st *scanState) allocateFreeReg() int {
	for i, free := range st.freeRegs {
		if free {
			st.freeRegs[i] = false
			return i
		}
	}
	return -1
}

// addToActive 按结束位置插入活跃列表
func (st *scanState) addToActive(interval LiveInterval) {
	idx := sort.Search(len(st.active), func(i int) bool {
		return st.active[i].End > interval.End
	})
	st.active = append(st.active, LiveInterval{})
	copy(st.active[idx+1:], st.active[idx:])
	st.active[idx] = interval
}
