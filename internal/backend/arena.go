// arena.go - 代码区
//
// 编译产物的机器码统一放在一块预先映射的内存中，外部只持有整数句柄，
// 不持有指针。Reset 之后所有旧句柄失效。
//
// Release 归还的区间进入空闲表，Put 优先从空闲表首次适配；句柄编号从不复用，
// 已释放的句柄 Bytes 返回 nil。

package backend

import (
	"sync"

	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
)

const (
	// DefaultArenaSize 默认代码区大小
	DefaultArenaSize = 4 * 1024 * 1024

	codeAlign = 16
)

// Handle 代码区中一段代码的句柄
type Handle int

// NoHandle 无效句柄
const NoHandle Handle = -1

type span struct {
	off  int
	size int
	cap  int // 按 codeAlign 对齐后占用的字节
	live bool
}

type region struct {
	off int
	cap int
}

// Arena 代码区
type Arena struct {
	mu    sync.Mutex
	mem   []byte
	used  int // 顶部分配位置
	live  int // 存活代码占用的字节
	spans []span
	free  []region
}

// NewArena 分配代码区
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		size = DefaultArenaSize
	}
	mem, err := mapRegion(size)
	if err != nil {
		return nil, jiterrors.Wrap(err, "failed to map code arena")
	}
	return &Arena{mem: mem}, nil
}

func alignUp(n int) int {
	return (n + codeAlign - 1) &^ (codeAlign - 1)
}

// Put 复制一段代码到代码区，返回句柄
func (a *Arena) Put(code []byte) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return NoHandle, jiterrors.Shutdown("code arena is closed")
	}
	need := alignUp(len(code))
	if need == 0 {
		need = codeAlign
	}

	off, ok := a.takeFree(need)
	if !ok {
		off = alignUp(a.used)
		if off+need > len(a.mem) {
			return NoHandle, jiterrors.Newf("out of code arena: need %d, have %d", len(code), len(a.mem)-off)
		}
		a.used = off + need
	}

	copy(a.mem[off:], code)
	a.live += need
	a.spans = append(a.spans, span{off: off, size: len(code), cap: need, live: true})
	return Handle(len(a.spans) - 1), nil
}

// takeFree 首次适配空闲区间，剩余部分留在空闲表
func (a *Arena) takeFree(need int) (int, bool) {
	for i, r := range a.free {
		if r.cap < need {
			continue
		}
		if r.cap == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = region{off: r.off + need, cap: r.cap - need}
		}
		return r.off, true
	}
	return 0, false
}

// Release 归还句柄占用的区间，重复释放和无效句柄被忽略
func (a *Arena) Release(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h < 0 || int(h) >= len(a.spans) || !a.spans[h].live {
		return
	}
	s := &a.spans[h]
	s.live = false
	a.live -= s.cap
	if s.off+s.cap == a.used {
		// 顶部区间直接退回
		a.used = s.off
		return
	}
	a.free = append(a.free, region{off: s.off, cap: s.cap})
}

// Bytes 句柄对应的代码，句柄无效或已释放时返回 nil
func (a *Arena) Bytes(h Handle) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h < 0 || int(h) >= len(a.spans) || a.mem == nil {
		return nil
	}
	s := a.spans[h]
	if !s.live {
		return nil
	}
	return a.mem[s.off : s.off+s.size : s.off+s.size]
}

// Len 已分配的句柄数
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.spans)
}

// Used 存活代码占用的字节数（含对齐填充）
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Capacity 总容量
func (a *Arena) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mem)
}

// Reset 清空代码区，旧句柄全部失效
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
	a.live = 0
	a.spans = a.spans[:0]
	a.free = a.free[:0]
}

// Close 释放代码区
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}
	err := unmapRegion(a.mem)
	a.mem = nil
	a.used = 0
	a.live = 0
	a.spans = nil
	a.free = nil
	return err
}
