package version

import (
	"sync"

	"github.com/tangzhangming/tierjit/internal/ir"
)

// Registry 所有地址的版本管理器
//
// 所有 Manager 共享一个版本计数器。
type Registry struct {
	mu       sync.RWMutex
	managers map[ir.GuestAddr]*Manager
	counter  *Counter
	opts     Options
}

// NewRegistry 创建注册表
func NewRegistry(opts Options) *Registry {
	opts.normalize()
	return &Registry{
		managers: make(map[ir.GuestAddr]*Manager),
		counter:  NewCounter(0),
		opts:     opts,
	}
}

// Counter 共享的版本计数器
func (r *Registry) Counter() *Counter {
	return r.counter
}

// Manager 获取地址的管理器，不存在时创建
func (r *Registry) Manager(addr ir.GuestAddr) *Manager {
	r.mu.RLock()
	m, ok := r.managers[addr]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[addr]; ok {
		return m
	}
	m = NewManager(addr, r.counter, r.opts)
	r.managers[addr] = m
	return m
}

// Lookup 获取已存在的管理器
func (r *Registry) Lookup(addr ir.GuestAddr) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[addr]
	return m, ok
}

// Addrs 已有管理器的地址
func (r *Registry) Addrs() []ir.GuestAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ir.GuestAddr, 0, len(r.managers))
	for addr := range r.managers {
		out = append(out, addr)
	}
	return out
}

// TotalVersions 所有地址保存的版本总数
func (r *Registry) TotalVersions() int {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.RUnlock()

	total := 0
	for _, m := range managers {
		total += m.Len()
	}
	return total
}
