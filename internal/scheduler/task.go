package scheduler

import (
	"time"

	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/version"
)

// MaxPriority 任务优先级上限，越大越先编译
const MaxPriority = 10

// Callback 编译完成回调，在工作线程上同步执行
type Callback func(Result)

// Task 一个编译任务
type Task struct {
	ID       uint64
	Addr     ir.GuestAddr
	Block    *ir.Block
	Priority int
	Callback Callback

	enqueued time.Time
}

// Result 编译结果
//
// Err 为 nil 表示成功；CacheHit 表示复用了内容哈希相同的已有版本。
type Result struct {
	TaskID   uint64
	Addr     ir.GuestAddr
	Version  version.CodeVersion
	Code     *version.CompiledCodeBlock
	CacheHit bool
	Err      error
	Worker   int           // 处理该任务的工作线程，未被处理时为 -1
	Wait     time.Duration // 排队时间
	Duration time.Duration // 编译耗时
}

// OK 是否成功
func (r Result) OK() bool {
	return r.Err == nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
