// ir.go - 中间表示 (IR) 定义
//
// 本文件定义了翻译块级别的寄存器式 IR。每个块由一串操作和一个终结指令组成，
// 块一旦提交给编译器即视为不可变，调度器只持有其副本。
//
// 操作数约定：
//   Dst        目标虚拟寄存器
//   Src1/Src2  源虚拟寄存器
//   Imm        立即数（Load/Store 的偏移）
//   Load:  Dst <- mem[Src1 + Imm]
//   Store: mem[Src1 + Imm] <- Src2

package ir

import (
	"fmt"
)

// GuestAddr 客户机地址（块起始地址）
type GuestAddr uint64

func (a GuestAddr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Reg 虚拟寄存器编号
type Reg uint32

// ============================================================================
// 操作码
// ============================================================================

// Opcode IR 操作码
type Opcode uint8

const (
	OpNop Opcode = iota

	// 数据移动
	OpMovImm
	OpMov

	// 三地址算术 / 位运算
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpSll
	OpSrl
	OpSra

	// 立即数变体
	OpAddImm
	OpMulImm
	OpSllImm
	OpSrlImm
	OpSraImm

	// 比较（结果为 0/1）
	OpCmpEq
	OpCmpNe
	OpCmpLt
	OpCmpLtU
	OpCmpGe
	OpCmpGeU

	// 一元
	OpNot

	// 访存
	OpLoad
	OpStore

	opcodeCount
)

var opcodeNames = [...]string{
	OpNop:    "nop",
	OpMovImm: "movi",
	OpMov:    "mov",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpDiv:    "div",
	OpRem:    "rem",
	OpAnd:    "and",
	OpOr:     "or",
	OpXor:    "xor",
	OpSll:    "sll",
	OpSrl:    "srl",
	OpSra:    "sra",
	OpAddImm: "addi",
	OpMulImm: "muli",
	OpSllImm: "slli",
	OpSrlImm: "srli",
	OpSraImm: "srai",
	OpCmpEq:  "cmpeq",
	OpCmpNe:  "cmpne",
	OpCmpLt:  "cmplt",
	OpCmpLtU: "cmpltu",
	OpCmpGe:  "cmpge",
	OpCmpGeU: "cmpgeu",
	OpNot:    "not",
	OpLoad:   "load",
	OpStore:  "store",
}

// String 返回操作码的助记符
func (c Opcode) String() string {
	if c < opcodeCount {
		return opcodeNames[c]
	}
	return fmt.Sprintf("op(%d)", uint8(c))
}

// Valid 检查操作码是否合法
func (c Opcode) Valid() bool {
	return c < opcodeCount
}

// ============================================================================
// 操作
// ============================================================================

// Op 一条 IR 操作
type Op struct {
	Code   Opcode
	Dst    Reg
	Src1   Reg
	Src2   Reg
	Imm    int64
	Size   uint8 // 访存宽度（字节），仅 Load/Store 使用
	Signed bool  // Div/Rem 是否有符号
}

// IsBinary 是否为三地址寄存器运算（两个源寄存器）
func (op Op) IsBinary() bool {
	switch op.Code {
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpAnd, OpOr, OpXor,
		OpSll, OpSrl, OpSra,
		OpCmpEq, OpCmpNe, OpCmpLt, OpCmpLtU, OpCmpGe, OpCmpGeU:
		return true
	}
	return false
}

// IsImmediate 是否为寄存器-立即数运算
func (op Op) IsImmediate() bool {
	switch op.Code {
	case OpAddImm, OpMulImm, OpSllImm, OpSrlImm, OpSraImm:
		return true
	}
	return false
}

// HasSideEffect 操作是否有内存副作用（DCE 永远保留）
func (op Op) HasSideEffect() bool {
	return op.Code == OpStore
}

// Def 返回操作定义的寄存器
func (op Op) Def() (Reg, bool) {
	switch op.Code {
	case OpNop, OpStore:
		return 0, false
	}
	return op.Dst, true
}

// Uses 返回操作读取的寄存器，按操作数顺序
func (op Op) Uses() []Reg {
	switch {
	case op.IsBinary():
		return []Reg{op.Src1, op.Src2}
	case op.IsImmediate():
		return []Reg{op.Src1}
	}
	switch op.Code {
	case OpMov, OpNot, OpLoad:
		return []Reg{op.Src1}
	case OpStore:
		return []Reg{op.Src1, op.Src2}
	}
	return nil
}

// String 返回操作的文本表示
func (op Op) String() string {
	switch {
	case op.Code == OpNop:
		return "nop"
	case op.Code == OpMovImm:
		return fmt.Sprintf("movi v%d, %d", op.Dst, op.Imm)
	case op.Code == OpMov, op.Code == OpNot:
		return fmt.Sprintf("%s v%d, v%d", op.Code, op.Dst, op.Src1)
	case op.Code == OpLoad:
		return fmt.Sprintf("load%d v%d, [v%d%+d]", op.Size*8, op.Dst, op.Src1, op.Imm)
	case op.Code == OpStore:
		return fmt.Sprintf("store%d [v%d%+d], v%d", op.Size*8, op.Src1, op.Imm, op.Src2)
	case op.IsImmediate():
		return fmt.Sprintf("%s v%d, v%d, %d", op.Code, op.Dst, op.Src1, op.Imm)
	case op.Code == OpDiv || op.Code == OpRem:
		suffix := "u"
		if op.Signed {
			suffix = "s"
		}
		return fmt.Sprintf("%s%s v%d, v%d, v%d", op.Code, suffix, op.Dst, op.Src1, op.Src2)
	default:
		return fmt.Sprintf("%s v%d, v%d, v%d", op.Code, op.Dst, op.Src1, op.Src2)
	}
}

// ============================================================================
// 构造函数
// ============================================================================

func MovImm(dst Reg, imm int64) Op { return Op{Code: OpMovImm, Dst: dst, Imm: imm} }
func Mov(dst, src Reg) Op         { return Op{Code: OpMov, Dst: dst, Src1: src} }
func Not(dst, src Reg) Op         { return Op{Code: OpNot, Dst: dst, Src1: src} }
func Nop() Op                     { return Op{Code: OpNop} }

// Binary 构造三地址运算
func Binary(code Opcode, dst, src1, src2 Reg) Op {
	return Op{Code: code, Dst: dst, Src1: src1, Src2: src2}
}

func Add(dst, src1, src2 Reg) Op { return Binary(OpAdd, dst, src1, src2) }
func Sub(dst, src1, src2 Reg) Op { return Binary(OpSub, dst, src1, src2) }
func Mul(dst, src1, src2 Reg) Op { return Binary(OpMul, dst, src1, src2) }
func And(dst, src1, src2 Reg) Op { return Binary(OpAnd, dst, src1, src2) }
func Or(dst, src1, src2 Reg) Op  { return Binary(OpOr, dst, src1, src2) }
func Xor(dst, src1, src2 Reg) Op { return Binary(OpXor, dst, src1, src2) }

// Div 构造除法
func Div(dst, src1, src2 Reg, signed bool) Op {
	return Op{Code: OpDiv, Dst: dst, Src1: src1, Src2: src2, Signed: signed}
}

// Rem 构造取余
func Rem(dst, src1, src2 Reg, signed bool) Op {
	return Op{Code: OpRem, Dst: dst, Src1: src1, Src2: src2, Signed: signed}
}

// Imm 构造寄存器-立即数运算
func Imm(code Opcode, dst, src Reg, imm int64) Op {
	return Op{Code: code, Dst: dst, Src1: src, Imm: imm}
}

func AddImm(dst, src Reg, imm int64) Op { return Imm(OpAddImm, dst, src, imm) }
func SllImm(dst, src Reg, sh int64) Op  { return Imm(OpSllImm, dst, src, sh) }
func SrlImm(dst, src Reg, sh int64) Op  { return Imm(OpSrlImm, dst, src, sh) }

// Load 构造读内存
func Load(dst, base Reg, offset int64, size uint8) Op {
	return Op{Code: OpLoad, Dst: dst, Src1: base, Imm: offset, Size: size}
}

// Store 构造写内存
func Store(src, base Reg, offset int64, size uint8) Op {
	return Op{Code: OpStore, Src1: base, Src2: src, Imm: offset, Size: size}
}
