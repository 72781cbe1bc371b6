package main

import (
	"math/rand"

	"github.com/tangzhangming/tierjit/internal/ir"
)

// genBlock 生成一个随机但合法的块：每个源操作数都来自已定义的寄存器
func genBlock(rng *rand.Rand, addr ir.GuestAddr, nops int) *ir.Block {
	b := ir.NewBuilder(addr)
	base := b.NewReg()
	b.Emit(ir.MovImm(base, 0x1000))
	defs := []ir.Reg{base}

	pick := func() ir.Reg { return defs[rng.Intn(len(defs))] }

	var cond ir.Reg
	for i := 1; i < nops; i++ {
		dst := b.NewReg()
		switch rng.Intn(10) {
		case 0:
			b.Emit(ir.MovImm(dst, rng.Int63n(1<<16)))
		case 1:
			b.Emit(ir.Add(dst, pick(), pick()))
		case 2:
			b.Emit(ir.Sub(dst, pick(), pick()))
		case 3:
			b.Emit(ir.Mul(dst, pick(), pick()))
		case 4:
			b.Emit(ir.Xor(dst, pick(), pick()))
		case 5:
			b.Emit(ir.AddImm(dst, pick(), rng.Int63n(256)-128))
		case 6:
			b.Emit(ir.SllImm(dst, pick(), rng.Int63n(8)))
		case 7:
			b.Emit(ir.Load(dst, base, int64(rng.Intn(64))*8, 8))
		case 8:
			b.Emit(ir.Store(pick(), base, int64(rng.Intn(64))*8, 8))
			continue
		case 9:
			b.Emit(ir.Binary(ir.OpCmpLt, dst, pick(), pick()))
			cond = dst
		}
		defs = append(defs, dst)
	}

	last := defs[len(defs)-1]
	b.LiveOut(last)
	if cond != 0 {
		return b.Build(ir.CondJmp(cond, addr+0x100, addr+0x200))
	}
	return b.Build(ir.Jmp(addr + 0x100))
}
