package ir

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ============================================================================
// 终结指令
// ============================================================================

// TermKind 终结指令类型
type TermKind uint8

const (
	TermRet TermKind = iota
	TermJmp
	TermCondJmp
	TermJmpReg
	TermFault
)

func (k TermKind) String() string {
	switch k {
	case TermRet:
		return "ret"
	case TermJmp:
		return "jmp"
	case TermCondJmp:
		return "cjmp"
	case TermJmpReg:
		return "jmpr"
	case TermFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Terminator 块终结指令
type Terminator struct {
	Kind        TermKind
	Target      GuestAddr // Jmp 目标 / CondJmp 真分支
	TargetFalse GuestAddr // CondJmp 假分支
	Cond        Reg       // CondJmp 条件寄存器 / JmpReg 目标寄存器
}

// Uses 返回终结指令读取的寄存器
func (t Terminator) Uses() []Reg {
	switch t.Kind {
	case TermCondJmp, TermJmpReg:
		return []Reg{t.Cond}
	}
	return nil
}

func (t Terminator) String() string {
	switch t.Kind {
	case TermJmp:
		return fmt.Sprintf("jmp %#x", uint64(t.Target))
	case TermCondJmp:
		return fmt.Sprintf("cjmp v%d, %#x, %#x", t.Cond, uint64(t.Target), uint64(t.TargetFalse))
	case TermJmpReg:
		return fmt.Sprintf("jmpr v%d", t.Cond)
	default:
		return t.Kind.String()
	}
}

// Ret 返回终结
func Ret() Terminator { return Terminator{Kind: TermRet} }

// Jmp 无条件跳转
func Jmp(target GuestAddr) Terminator { return Terminator{Kind: TermJmp, Target: target} }

// CondJmp 条件跳转
func CondJmp(cond Reg, t, f GuestAddr) Terminator {
	return Terminator{Kind: TermCondJmp, Cond: cond, Target: t, TargetFalse: f}
}

// ============================================================================
// 块
// ============================================================================

// Block 一个翻译块
type Block struct {
	Start GuestAddr
	Ops   []Op
	Term  Terminator
	// LiveOut 块出口处仍被后继使用的寄存器
	LiveOut []Reg
}

// Len 操作数量
func (b *Block) Len() int {
	return len(b.Ops)
}

// Clone 深拷贝块，调度器持有的副本与调用方互不影响
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := &Block{Start: b.Start, Term: b.Term}
	if b.Ops != nil {
		c.Ops = append(make([]Op, 0, len(b.Ops)), b.Ops...)
	}
	if b.LiveOut != nil {
		c.LiveOut = append(make([]Reg, 0, len(b.LiveOut)), b.LiveOut...)
	}
	return c
}

// Hash 计算块的内容哈希
//
// 哈希覆盖起始地址、全部操作、终结指令和 LiveOut，内容相同的块哈希一定相同。
func (b *Block) Hash() Hash {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	put(uint64(b.Start))
	put(uint64(len(b.Ops)))
	for _, op := range b.Ops {
		var signed uint64
		if op.Signed {
			signed = 1
		}
		put(uint64(op.Code) | uint64(op.Size)<<8 | signed<<16)
		put(uint64(op.Dst))
		put(uint64(op.Src1))
		put(uint64(op.Src2))
		put(uint64(op.Imm))
	}
	put(uint64(b.Term.Kind))
	put(uint64(b.Term.Target))
	put(uint64(b.Term.TargetFalse))
	put(uint64(b.Term.Cond))
	put(uint64(len(b.LiveOut)))
	for _, r := range b.LiveOut {
		put(uint64(r))
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String 返回块的文本表示
func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %#x:\n", uint64(b.Start))
	for i, op := range b.Ops {
		fmt.Fprintf(&sb, "  %4d: %s\n", i, op)
	}
	fmt.Fprintf(&sb, "  %s\n", b.Term)
	return sb.String()
}

// ============================================================================
// 内容哈希
// ============================================================================

// HashSize 哈希字节数
const HashSize = blake2b.Size256

// Hash 源 IR 的内容哈希
type Hash [HashSize]byte

// IsZero 是否为零值
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String 十六进制表示
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short 前 8 个字节的十六进制，用于日志
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}
