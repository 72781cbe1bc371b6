package regalloc

import (
	"sort"

	"github.com/tangzhangming/tierjit/internal/ir"
)

// ============================================================================
// 图着色
// ============================================================================

// interferenceGraph 冲突图，节点是区间下标
type interferenceGraph struct {
	adj [][]int
}

func buildInterferenceGraph(intervals []LiveInterval) *interferenceGraph {
	g := &interferenceGraph{adj: make([][]int, len(intervals))}
	for i := range intervals {
		for j := i + 1; j < len(intervals); j++ {
			// 区间按 Start 排序，后面的区间不可能再与 i 重叠
			if intervals[j].Start >= intervals[i].End {
				break
			}
			if intervals[i].Overlaps(intervals[j]) {
				g.adj[i] = append(g.adj[i], j)
				g.adj[j] = append(g.adj[j], i)
			}
		}
	}
	return g
}

// graphColoring 图着色分配算法
//
// 简化阶段反复移除度数小于 k 的节点并记录顺序；
// 没有这样的节点时，把剩余节点按度数升序全部压栈。
// 选择阶段逆序弹出，给每个节点分配邻居没用过的最小颜色，无颜色可用则溢出。
func (a *Allocator) graphColoring(res *Result) {
	intervals := res.Intervals
	g := buildInterferenceGraph(intervals)
	order := g.simplify(a.numRegs)

	colors := make([]int, len(intervals))
	for i := range colors {
		colors[i] = -1
	}
	used := make([]bool, a.numRegs)

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		for c := range used {
			used[c] = false
		}
		for _, nb := range g.adj[node] {
			if colors[nb] >= 0 {
				used[colors[nb]] = true
			}
		}

		color := -1
		for c, taken := range used {
			if !taken {
				color = c
				break
			}
		}

		reg := intervals[node].Reg
		if color < 0 {
			a.spill(res, reg)
			continue
		}
		colors[node] = color
		res.Allocations[reg] = PhysicalRegister(color)
	}
}

// simplify 计算压栈顺序
func (g *interferenceGraph) simplify(k int) []int {
	n := len(g.adj)
	degree := make([]int, n)
	for i, nbs := range g.adj {
		degree[i] = len(nbs)
	}
	removed := make([]bool, n)
	order := make([]int, 0, n)

	remove := func(node int) {
		removed[node] = true
		order = append(order, node)
		for _, nb := range g.adj[node] {
			if !removed[nb] {
				degree[nb]--
			}
		}
	}

	for len(order) < n {
		progress := false
		for i := 0; i < n; i++ {
			if !removed[i] && degree[i] < k {
				remove(i)
				progress = true
			}
		}
		if progress {
			continue
		}

		// 没有可简化的节点：剩余节点按度数升序压栈
		rest := make([]int, 0, n-len(order))
		for i := 0; i < n; i++ {
			if !removed[i] {
				rest = append(rest, i)
			}
		}
		sort.SliceStable(rest, func(x, y int) bool {
			return degree[rest[x]] < degree[rest[y]]
		})
		for _, node := range rest {
			removed[node] = true
			order = append(order, node)
		}
	}
	return order
}

// Interferes 两个虚拟寄存器在结果中是否冲突
func (r *Result) Interferes(a, b ir.Reg) bool {
	var la, lb *LiveInterval
	for i := range r.Intervals {
		switch r.Intervals[i].Reg {
		case a:
			la = &r.Intervals[i]
		case b:
			lb = &r.Intervals[i]
		}
	}
	return la != nil && lb != nil && a != b && la.Overlaps(*lb)
}
