// Package backend 把分配好寄存器的 IR 块编码为机器码
//
// 调度器只通过 Backend 接口使用后端，具体编码对调度器是不透明的。
package backend

import (
	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/regalloc"
)

// Code 一次编码的结果
type Code struct {
	Bytes       []byte
	EntryOffset int
}

// Backend 机器码后端
type Backend interface {
	Name() string
	Emit(blk *ir.Block, alloc *regalloc.Result) (Code, error)
}

// EmitterFunc 把函数适配为 Backend
type EmitterFunc func(blk *ir.Block, alloc *regalloc.Result) (Code, error)

// Name 实现 Backend
func (f EmitterFunc) Name() string { return "func" }

// Emit 实现 Backend
func (f EmitterFunc) Emit(blk *ir.Block, alloc *regalloc.Result) (Code, error) {
	return f(blk, alloc)
}
