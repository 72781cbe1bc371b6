package ir

import (
	"strings"
)

// Builder IR 构建器
type Builder struct {
	start   GuestAddr
	ops     []Op
	liveOut []Reg
	nextReg Reg
}

// NewBuilder 创建构建器
func NewBuilder(start GuestAddr) *Builder {
	return &Builder{start: start, nextReg: 1}
}

// NewReg 分配一个新的虚拟寄存器
func (b *Builder) NewReg() Reg {
	r := b.nextReg
	b.nextReg++
	return r
}

// Emit 追加一条操作
func (b *Builder) Emit(op Op) *Builder {
	b.ops = append(b.ops, op)
	if d, ok := op.Def(); ok && d >= b.nextReg {
		b.nextReg = d + 1
	}
	return b
}

// LiveOut 声明块出口活跃的寄存器
func (b *Builder) LiveOut(regs ...Reg) *Builder {
	b.liveOut = append(b.liveOut, regs...)
	return b
}

// Build 以给定终结指令完成构建
func (b *Builder) Build(term Terminator) *Block {
	blk := &Block{
		Start:   b.start,
		Ops:     b.ops,
		Term:    term,
		LiveOut: b.liveOut,
	}
	b.ops = nil
	b.liveOut = nil
	return blk
}

// PrintOps 打印操作序列
func PrintOps(ops []Op) string {
	var sb strings.Builder
	for _, op := range ops {
		sb.WriteString(op.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
