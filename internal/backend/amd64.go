// amd64.go - x86-64 机器码生成
//
// 调用约定：
//   R15  客户机上下文指针，超出宿主寄存器表的物理寄存器存放在 [R15 + 8*id]
//   AX   返回下一个客户机 PC
//   AX/CX/DX 临时寄存器，不参与分配
// 溢出槽位于本帧内，帧大小等于分配结果的 StackSize。
// 生成的代码会覆盖宿主寄存器表中的寄存器，由调用方负责保存。
//
// 每条 IR 操作都按"读源操作数到临时寄存器、运算、写回目标位置"的模式生成，
// 不做指令选择优化。

package backend

import (
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/ir"
	"github.com/tangzhangming/tierjit/internal/regalloc"
)

// hostRegs 物理寄存器编号到宿主寄存器的映射
var hostRegs = []int16{
	x86.REG_BX, x86.REG_SI, x86.REG_DI,
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
	x86.REG_R12, x86.REG_R13, x86.REG_R14,
}

const contextReg = x86.REG_R15

// faultPC Fault 终结返回的 PC
const faultPC = -1

// location 虚拟寄存器在机器上的位置
type location struct {
	reg    int16 // 宿主寄存器，mem 为 true 时是基址
	offset int64
	mem    bool
}

// AMD64 基于 golang-asm 的 x86-64 后端
type AMD64 struct{}

// NewAMD64 创建 x86-64 后端
func NewAMD64() *AMD64 {
	return &AMD64{}
}

// Name 实现 Backend
func (b *AMD64) Name() string { return "amd64" }

// emitter 单次编码的状态
type emitter struct {
	builder   *asm.Builder
	alloc     *regalloc.Result
	frameSize int64
}

// Emit 实现 Backend
func (b *AMD64) Emit(blk *ir.Block, alloc *regalloc.Result) (Code, error) {
	builder, err := asm.NewBuilder("amd64", 64+len(blk.Ops)*8)
	if err != nil {
		return Code{}, jiterrors.CompilationFailure(err, "create assembler")
	}
	e := &emitter{
		builder:   builder,
		alloc:     alloc,
		frameSize: int64(alloc.StackSize),
	}

	e.emitPrologue()
	for i, op := range blk.Ops {
		if err := e.emitOp(op); err != nil {
			return Code{}, jiterrors.CompilationFailure(err, "op %d (%s)", i, op)
		}
	}
	if err := e.emitTerminator(blk.Term); err != nil {
		return Code{}, jiterrors.CompilationFailure(err, "terminator %s", blk.Term)
	}

	return Code{Bytes: builder.Assemble(), EntryOffset: 0}, nil
}

// ============================================================================
// 基本指令
// ============================================================================

func (e *emitter) add(as obj.As, from, to obj.Addr) *obj.Prog {
	p := e.builder.NewProg()
	p.As = as
	p.From = from
	p.To = to
	e.builder.AddInstruction(p)
	return p
}

func regAddr(r int16) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: r}
}

func constAddr(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}

func memAddr(base int16, off int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: off}
}

func (loc location) addr() obj.Addr {
	if loc.mem {
		return memAddr(loc.reg, loc.offset)
	}
	return regAddr(loc.reg)
}

// locate 查找虚拟寄存器的位置
func (e *emitter) locate(r ir.Reg) (location, error) {
	a, ok := e.alloc.Lookup(r)
	if !ok {
		return location{}, jiterrors.CompilationFailure(nil, "v%d has no allocation", r)
	}
	switch {
	case a.IsRegister():
		id := a.Register()
		if id < len(hostRegs) {
			return location{reg: hostRegs[id]}, nil
		}
		return location{reg: contextReg, offset: int64(id) * 8, mem: true}, nil
	case a.IsStackSlot():
		// 溢出槽相对帧顶的负偏移换算为相对 SP 的正偏移
		return location{reg: x86.REG_SP, offset: e.frameSize + int64(a.Offset()), mem: true}, nil
	}
	return location{}, jiterrors.CompilationFailure(nil, "v%d has empty allocation", r)
}

// load 把虚拟寄存器读到临时寄存器
func (e *emitter) load(scratch int16, r ir.Reg) error {
	loc, err := e.locate(r)
	if err != nil {
		return err
	}
	e.add(x86.AMOVQ, loc.addr(), regAddr(scratch))
	return nil
}

// store 把临时寄存器写回虚拟寄存器
func (e *emitter) store(scratch int16, r ir.Reg) error {
	loc, err := e.locate(r)
	if err != nil {
		return err
	}
	e.add(x86.AMOVQ, regAddr(scratch), loc.addr())
	return nil
}

func (e *emitter) emitPrologue() {
	if e.frameSize > 0 {
		e.add(x86.ASUBQ, constAddr(e.frameSize), regAddr(x86.REG_SP))
	}
}

func (e *emitter) emitReturn() {
	if e.frameSize > 0 {
		e.add(x86.AADDQ, constAddr(e.frameSize), regAddr(x86.REG_SP))
	}
	p := e.builder.NewProg()
	p.As = obj.ARET
	e.builder.AddInstruction(p)
}

// ============================================================================
// 操作
// ============================================================================

var binaryOps = map[ir.Opcode]obj.As{
	ir.OpAdd: x86.AADDQ,
	ir.OpSub: x86.ASUBQ,
	ir.OpMul: x86.AIMULQ,
	ir.OpAnd: x86.AANDQ,
	ir.OpOr:  x86.AORQ,
	ir.OpXor: x86.AXORQ,
	ir.OpSll: x86.ASHLQ,
	ir.OpSrl: x86.ASHRQ,
	ir.OpSra: x86.ASARQ,
}

var shiftImmOps = map[ir.Opcode]obj.As{
	ir.OpSllImm: x86.ASHLQ,
	ir.OpSrlImm: x86.ASHRQ,
	ir.OpSraImm: x86.ASARQ,
}

var compareOps = map[ir.Opcode]obj.As{
	ir.OpCmpEq:  x86.ASETEQ,
	ir.OpCmpNe:  x86.ASETNE,
	ir.OpCmpLt:  x86.ASETLT,
	ir.OpCmpGe:  x86.ASETGE,
	ir.OpCmpLtU: x86.ASETCS,
	ir.OpCmpGeU: x86.ASETCC,
}

func (e *emitter) emitOp(op ir.Op) error {
	if as, ok := binaryOps[op.Code]; ok {
		return e.emitBinary(as, op)
	}
	if as, ok := shiftImmOps[op.Code]; ok {
		if err := e.load(x86.REG_AX, op.Src1); err != nil {
			return err
		}
		e.add(as, constAddr(op.Imm&63), regAddr(x86.REG_AX))
		return e.store(x86.REG_AX, op.Dst)
	}
	if as, ok := compareOps[op.Code]; ok {
		return e.emitCompare(as, op)
	}

	switch op.Code {
	case ir.OpNop:
		return nil

	case ir.OpMovImm:
		e.add(x86.AMOVQ, constAddr(op.Imm), regAddr(x86.REG_AX))
		return e.store(x86.REG_AX, op.Dst)

	case ir.OpMov:
		if err := e.load(x86.REG_AX, op.Src1); err != nil {
			return err
		}
		return e.store(x86.REG_AX, op.Dst)

	case ir.OpNot:
		if err := e.load(x86.REG_AX, op.Src1); err != nil {
			return err
		}
		p := e.builder.NewProg()
		p.As = x86.ANOTQ
		p.To = regAddr(x86.REG_AX)
		e.builder.AddInstruction(p)
		return e.store(x86.REG_AX, op.Dst)

	case ir.OpAddImm, ir.OpMulImm:
		if err := e.load(x86.REG_AX, op.Src1); err != nil {
			return err
		}
		e.add(x86.AMOVQ, constAddr(op.Imm), regAddr(x86.REG_CX))
		as := x86.AADDQ
		if op.Code == ir.OpMulImm {
			as = x86.AIMULQ
		}
		e.add(as, regAddr(x86.REG_CX), regAddr(x86.REG_AX))
		return e.store(x86.REG_AX, op.Dst)

	case ir.OpDiv, ir.OpRem:
		return e.emitDivide(op)

	case ir.OpLoad:
		return e.emitLoad(op)

	case ir.OpStore:
		return e.emitStore(op)
	}
	return jiterrors.CompilationFailure(nil, "unsupported opcode %s", op.Code)
}

// emitBinary AX = AX op CX
func (e *emitter) emitBinary(as obj.As, op ir.Op) error {
	if err := e.load(x86.REG_AX, op.Src1); err != nil {
		return err
	}
	if err := e.load(x86.REG_CX, op.Src2); err != nil {
		return err
	}
	e.add(as, regAddr(x86.REG_CX), regAddr(x86.REG_AX))
	return e.store(x86.REG_AX, op.Dst)
}

// emitCompare 结果为 0 或 1
func (e *emitter) emitCompare(set obj.As, op ir.Op) error {
	if err := e.load(x86.REG_DX, op.Src1); err != nil {
		return err
	}
	if err := e.load(x86.REG_CX, op.Src2); err != nil {
		return err
	}
	e.add(x86.AXORQ, regAddr(x86.REG_AX), regAddr(x86.REG_AX))
	e.add(x86.ACMPQ, regAddr(x86.REG_DX), regAddr(x86.REG_CX))
	p := e.builder.NewProg()
	p.As = set
	p.To = regAddr(x86.REG_AX)
	e.builder.AddInstruction(p)
	return e.store(x86.REG_AX, op.Dst)
}

// emitDivide 除零时商为全 1，余数为被除数；有符号 MinInt64 / -1 的商回绕为 MinInt64，余数为 0
func (e *emitter) emitDivide(op ir.Op) error {
	if err := e.load(x86.REG_AX, op.Src1); err != nil {
		return err
	}
	if err := e.load(x86.REG_CX, op.Src2); err != nil {
		return err
	}

	e.add(x86.ATESTQ, regAddr(x86.REG_CX), regAddr(x86.REG_CX))
	jnz := e.add(x86.AJNE, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	if op.Code == ir.OpDiv {
		e.add(x86.AMOVQ, constAddr(-1), regAddr(x86.REG_AX))
	}
	jumps := []*obj.Prog{e.add(obj.AJMP, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})}

	nonZero := e.add(obj.ANOP, obj.Addr{}, obj.Addr{})
	jnz.To.SetTarget(nonZero)
	if op.Signed {
		// IDIV 在 MinInt64 / -1 时触发 #DE，除数为 -1 时直接取负
		e.add(x86.ACMPQ, regAddr(x86.REG_CX), constAddr(-1))
		jdiv := e.add(x86.AJNE, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
		if op.Code == ir.OpDiv {
			p := e.builder.NewProg()
			p.As = x86.ANEGQ
			p.To = regAddr(x86.REG_AX)
			e.builder.AddInstruction(p)
		} else {
			e.add(x86.AXORQ, regAddr(x86.REG_AX), regAddr(x86.REG_AX))
		}
		jumps = append(jumps, e.add(obj.AJMP, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH}))

		divide := e.add(obj.ANOP, obj.Addr{}, obj.Addr{})
		jdiv.To.SetTarget(divide)
		p := e.builder.NewProg()
		p.As = x86.ACQO
		e.builder.AddInstruction(p)
		e.add(x86.AIDIVQ, regAddr(x86.REG_CX), obj.Addr{})
	} else {
		e.add(x86.AXORQ, regAddr(x86.REG_DX), regAddr(x86.REG_DX))
		e.add(x86.ADIVQ, regAddr(x86.REG_CX), obj.Addr{})
	}
	if op.Code == ir.OpRem {
		e.add(x86.AMOVQ, regAddr(x86.REG_DX), regAddr(x86.REG_AX))
	}

	done := e.add(obj.ANOP, obj.Addr{}, obj.Addr{})
	for _, j := range jumps {
		j.To.SetTarget(done)
	}
	return e.store(x86.REG_AX, op.Dst)
}

func loadInsn(size uint8) (obj.As, error) {
	switch size {
	case 1:
		return x86.AMOVBQZX, nil
	case 2:
		return x86.AMOVWQZX, nil
	case 4:
		return x86.AMOVLQZX, nil
	case 8:
		return x86.AMOVQ, nil
	}
	return 0, jiterrors.CompilationFailure(nil, "unsupported access size %d", size)
}

func storeInsn(size uint8) (obj.As, error) {
	switch size {
	case 1:
		return x86.AMOVB, nil
	case 2:
		return x86.AMOVW, nil
	case 4:
		return x86.AMOVL, nil
	case 8:
		return x86.AMOVQ, nil
	}
	return 0, jiterrors.CompilationFailure(nil, "unsupported access size %d", size)
}

func (e *emitter) emitLoad(op ir.Op) error {
	as, err := loadInsn(op.Size)
	if err != nil {
		return err
	}
	if err := e.load(x86.REG_CX, op.Src1); err != nil {
		return err
	}
	e.add(as, memAddr(x86.REG_CX, op.Imm), regAddr(x86.REG_AX))
	return e.store(x86.REG_AX, op.Dst)
}

func (e *emitter) emitStore(op ir.Op) error {
	as, err := storeInsn(op.Size)
	if err != nil {
		return err
	}
	if err := e.load(x86.REG_CX, op.Src1); err != nil {
		return err
	}
	if err := e.load(x86.REG_AX, op.Src2); err != nil {
		return err
	}
	e.add(as, regAddr(x86.REG_AX), memAddr(x86.REG_CX, op.Imm))
	return nil
}

// ============================================================================
// 终结指令
// ============================================================================

func (e *emitter) emitTerminator(t ir.Terminator) error {
	switch t.Kind {
	case ir.TermRet:
		e.add(x86.AXORQ, regAddr(x86.REG_AX), regAddr(x86.REG_AX))

	case ir.TermJmp:
		e.add(x86.AMOVQ, constAddr(int64(t.Target)), regAddr(x86.REG_AX))

	case ir.TermCondJmp:
		if err := e.load(x86.REG_CX, t.Cond); err != nil {
			return err
		}
		e.add(x86.AMOVQ, constAddr(int64(t.Target)), regAddr(x86.REG_AX))
		e.add(x86.AMOVQ, constAddr(int64(t.TargetFalse)), regAddr(x86.REG_DX))
		e.add(x86.ATESTQ, regAddr(x86.REG_CX), regAddr(x86.REG_CX))
		e.add(x86.ACMOVQEQ, regAddr(x86.REG_DX), regAddr(x86.REG_AX))

	case ir.TermJmpReg:
		if err := e.load(x86.REG_AX, t.Cond); err != nil {
			return err
		}

	case ir.TermFault:
		e.add(x86.AMOVQ, constAddr(faultPC), regAddr(x86.REG_AX))

	default:
		return jiterrors.CompilationFailure(nil, "unsupported terminator %s", t.Kind)
	}
	e.emitReturn()
	return nil
}
