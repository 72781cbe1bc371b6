// Package version 管理已编译代码的版本
//
// 每个客户机地址拥有一个 Manager，保存该地址的全部编译产物。
// 产物按源 IR 的内容哈希去重，支持切换、回滚、禁用和启用，
// 每次变更都追加到只增不减的历史记录中。
package version

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/ir"
)

// ============================================================================
// 版本号
// ============================================================================

// CodeVersion 单调递增的版本号，0 表示无版本
type CodeVersion uint64

// Next 返回下一个版本号
func (v CodeVersion) Next() CodeVersion {
	return v + 1
}

func (v CodeVersion) String() string {
	return fmt.Sprintf("v%d", uint64(v))
}

// Counter 显式持有的版本计数器
//
// 同一个 Registry 下的所有 Manager 共享一个计数器，版本号全局唯一。
type Counter struct {
	v atomic.Uint64
}

// NewCounter 创建计数器，第一次 Next 返回 start+1
func NewCounter(start CodeVersion) *Counter {
	c := &Counter{}
	c.v.Store(uint64(start))
	return c
}

// Next 分配下一个版本号
func (c *Counter) Next() CodeVersion {
	return CodeVersion(c.v.Inc())
}

// Current 最近分配的版本号
func (c *Counter) Current() CodeVersion {
	return CodeVersion(c.v.Load())
}

// ============================================================================
// 编译产物
// ============================================================================

// CompiledCodeBlock 一个版本的编译产物
//
// 除启用标记外不可变；禁用和启用都会复制出新的实例，
// 已经拿到旧实例的读者不受影响。
type CompiledCodeBlock struct {
	Version     CodeVersion
	Timestamp   time.Time
	Addr        ir.GuestAddr
	IRHash      ir.Hash
	Code        []byte
	EntryOffset int
	// Handle 可执行内存中的位置，-1 表示只有字节没有映射
	Handle int

	enabled bool
}

// NewCompiledCodeBlock 创建启用状态的产物
func NewCompiledCodeBlock(v CodeVersion, addr ir.GuestAddr, hash ir.Hash, code []byte, entry int) *CompiledCodeBlock {
	return &CompiledCodeBlock{
		Version:     v,
		Timestamp:   time.Now(),
		Addr:        addr,
		IRHash:      hash,
		Code:        code,
		EntryOffset: entry,
		Handle:      -1,
		enabled:     true,
	}
}

// Enabled 是否启用
func (b *CompiledCodeBlock) Enabled() bool {
	return b.enabled
}

// withEnabled 复制一份并设置启用标记
func (b *CompiledCodeBlock) withEnabled(enabled bool) *CompiledCodeBlock {
	c := *b
	c.enabled = enabled
	return &c
}

// Size 机器码字节数
func (b *CompiledCodeBlock) Size() int {
	return len(b.Code)
}

// ============================================================================
// 历史记录
// ============================================================================

// ChangeKind 历史变更类型
type ChangeKind uint8

const (
	ChangeInitial ChangeKind = iota
	ChangeUpdate
	ChangeRollback
	ChangeDisable
	ChangeEnable
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInitial:
		return "initial"
	case ChangeUpdate:
		return "update"
	case ChangeRollback:
		return "rollback"
	case ChangeDisable:
		return "disable"
	case ChangeEnable:
		return "enable"
	default:
		return "unknown"
	}
}

// HistoryEntry 一条历史记录
type HistoryEntry struct {
	Version     CodeVersion
	Timestamp   time.Time
	Kind        ChangeKind
	From        CodeVersion // 仅 Rollback：回滚前的版本
	Description string
}

func (e HistoryEntry) String() string {
	if e.Kind == ChangeRollback {
		return fmt.Sprintf("%s %s (from %s) %s", e.Kind, e.Version, e.From, e.Description)
	}
	return fmt.Sprintf("%s %s %s", e.Kind, e.Version, e.Description)
}
